package catalog

import (
	"context"
	"fmt"
	"io"

	"github.com/autopeer-io/gearlink/internal/pkg/metrics"
	"github.com/autopeer-io/gearlink/pkg/log"
)

// Checker resolves available updates, cache first.
type Checker struct {
	cache      *Cache
	client     CatalogClient
	downloader Downloader
	clientCtx  ClientContext
	logger     log.Logger
}

func NewChecker(cache *Cache, client CatalogClient, downloader Downloader, clientCtx ClientContext) *Checker {
	return &Checker{
		cache:      cache,
		client:     client,
		downloader: downloader,
		clientCtx:  clientCtx,
		logger:     log.WithName("catalog"),
	}
}

// HasUpdate returns one descriptor per component, in input order.
// Components are resolved one after another and the first failure fails
// the whole batch. With force set the cache is bypassed.
func (c *Checker) HasUpdate(ctx context.Context, components []Component, force bool) ([]UpdateDescriptor, error) {
	out := make([]UpdateDescriptor, 0, len(components))
	for _, comp := range components {
		d, err := c.resolve(ctx, comp, force)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", comp.Identity(), err)
		}
		out = append(out, *d)
	}
	return out, nil
}

// RemoveUpdate evicts the cached lookup of id.
func (c *Checker) RemoveUpdate(id Identity) error {
	return c.cache.Remove(id)
}

// Cache returns the cache backing the checker.
func (c *Checker) Cache() *Cache {
	return c.cache
}

func (c *Checker) resolve(ctx context.Context, comp Component, force bool) (*UpdateDescriptor, error) {
	id := comp.Identity()

	if !force {
		d, ok, err := c.cache.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			c.logger.Debug("Using cached update", "component", id.String(), "status", d.UpgradeStatus.String(), "version", d.TargetVersion)
			metrics.CatalogChecksTotal.WithLabelValues("cache", d.UpgradeStatus.String()).Inc()
			return d, nil
		}
	}

	resp, err := c.client.Lookup(ctx, &CatalogRequest{
		ClientID:              c.clientCtx.ClientID,
		VendorID:              comp.VendorID,
		ProductID:             comp.ProductID,
		ModuleID:              comp.ModuleID,
		CurrentVersion:        comp.Version,
		TagVersion:            comp.TagVersion,
		ObfuscatedComponentID: ObfuscateSerial(comp.SerialNumber, comp.ModuleID),
		Platform:              c.clientCtx.Platform,
		CountryCode:           c.clientCtx.CountryCode,
		SDKVersion:            c.clientCtx.SDKVersion,
	})
	if err != nil {
		return nil, err
	}
	metrics.CatalogChecksTotal.WithLabelValues("catalog", resp.DfuStatus.String()).Inc()

	d := &UpdateDescriptor{
		TargetVersion: resp.Version,
		UpgradeStatus: resp.DfuStatus,
		DownloadURL:   resp.DownloadURL,
		VendorID:      orDefault(resp.VendorID, comp.VendorID),
		ProductID:     orDefault(resp.ProductID, comp.ProductID),
		ModuleID:      orDefault(resp.ModuleID, comp.ModuleID),
	}

	if d.UpgradeStatus.Available() {
		path, err := c.cache.StoreBinary(d, func(w io.Writer) error {
			return c.downloader.Download(ctx, d.DownloadURL, w)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", d.DownloadURL, err)
		}
		d.CachedFilePath = path
		c.logger.Info("Downloaded firmware", "component", id.String(), "version", d.TargetVersion, "path", path)
	}

	if err := c.cache.Put(id, d); err != nil {
		return nil, err
	}
	return d, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
