// Package catalog enumerates tenants and collections from the data
// directory layout: data_dir/t_{tenant}/c_{collection}/. The directory
// tree is the source of truth; there is no separate registry file.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	tenantPrefix     = "t_"
	collectionPrefix = "c_"
)

// TenantDir returns the directory for a tenant.
func TenantDir(dataDir, tenant string) string {
	return filepath.Join(dataDir, tenantPrefix+tenant)
}

// CollectionDir returns the directory for a collection.
func CollectionDir(dataDir, tenant, collection string) string {
	return filepath.Join(TenantDir(dataDir, tenant), collectionPrefix+collection)
}

// ListTenants returns tenant slugs found under dataDir, sorted. A missing
// data directory is an empty catalog, not an error.
func ListTenants(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading data dir %s: %w", dataDir, err)
	}

	var tenants []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, ok := strings.CutPrefix(e.Name(), tenantPrefix)
		if !ok || name == "" {
			continue
		}
		tenants = append(tenants, name)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// ListCollections returns the tenant's collection slugs, sorted. Unknown
// tenants yield an empty list.
func ListCollections(dataDir, tenant string) ([]string, error) {
	dir := TenantDir(dataDir, tenant)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tenant dir %s: %w", dir, err)
	}

	var collections []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name, ok := strings.CutPrefix(e.Name(), collectionPrefix)
		if !ok || name == "" {
			continue
		}
		collections = append(collections, name)
	}
	sort.Strings(collections)
	return collections, nil
}

// Exists reports whether a collection directory is present on disk.
func Exists(dataDir, tenant, collection string) bool {
	info, err := os.Stat(CollectionDir(dataDir, tenant, collection))
	return err == nil && info.IsDir()
}
