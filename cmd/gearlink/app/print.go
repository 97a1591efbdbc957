package app

import (
	"fmt"

	"github.com/gosuri/uitable"

	"github.com/autopeer-io/gearlink/internal/catalog"
)

func printComponents(comps []catalog.Component) {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("COMPONENT", "VENDOR", "PRODUCT", "MODULE", "SERIAL", "VERSION")
	for _, c := range comps {
		table.AddRow(c.ID, c.VendorID, c.ProductID, orNone(c.ModuleID), c.SerialNumber, c.Version)
	}
	fmt.Println(table)
}

func printUpdates(updates []catalog.UpdateDescriptor) {
	table := uitable.New()
	table.MaxColWidth = 40
	table.AddRow("VENDOR", "PRODUCT", "MODULE", "TARGET", "STATUS")
	for _, d := range updates {
		table.AddRow(d.VendorID, d.ProductID, orNone(d.ModuleID), orNone(d.TargetVersion), d.UpgradeStatus)
	}
	fmt.Println(table)
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
