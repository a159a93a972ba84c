package keyValStore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
)

// calculateDirectorySize calculates the total size of files within a directory
func calculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// logDiskUsage reports the disk usage of the store's paths.
func (k *KeyValStore) logDiskUsage() error {
	for _, path := range k.config.Paths {
		usage, err := disk.Usage(path)
		if err != nil {
			k.log.Error("retrieving disk usage stats", "path", path, "error", err)
			return err
		}

		pathSize, err := calculateDirectorySize(path)
		if err != nil {
			k.log.Error("calculating directory size", "path", path, "error", err)
			return err
		}

		k.log.Info("disk usage",
			"path", path,
			"fstype", usage.Fstype,
			"total_gb", fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
			"used_gb", fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
			"free_gb", fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
			"db_gb", fmt.Sprintf("%.2f", float64(pathSize)/1e9),
		)
	}
	return nil
}
