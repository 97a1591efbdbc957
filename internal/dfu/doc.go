// Package dfu transfers firmware images to the wearable and its accessories
// and drives their installation.
//
// An ImageWriter moves one image to one component, resuming a partial
// transfer when the device already holds a matching prefix. The
// Orchestrator sequences writers across components, reports aggregate
// progress and runs the install step. Manager ties the orchestrator to the
// firmware catalog.
package dfu
