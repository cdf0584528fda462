// Command mkfs builds a flatfs filesystem image from a host skeleton
// directory, replicating its directories and files into a serialized
// image cmd/kernel mounts at boot.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sentinalos/internal/drivers"
	"sentinalos/internal/flatfs"
	"sentinalos/internal/vfs"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: mkfs <skeleton dir> <output image>\n")
		os.Exit(2)
	}
	skelDir := os.Args[1]
	image := os.Args[2]

	disk := drivers.NewMemDisk()
	driver := flatfs.New(disk)

	if err := addTree(driver, skelDir); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}

	if err := driver.Save(image); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: saving image: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mkfs: wrote %s\n", image)
}

// addTree walks skelDir on the host and replicates it into driver,
// creating directories depth-first so every MkFile call has a parent
// inode to attach to.
func addTree(driver *flatfs.Driver, skelDir string) error {
	dirInodes := map[string]*vfs.Inode{".": driver.Root()}

	return filepath.WalkDir(skelDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, skelDir), string(os.PathSeparator))
		if rel == "" {
			return nil
		}
		parentRel := filepath.Dir(rel)
		parent, ok := dirInodes[parentRel]
		if !ok {
			return fmt.Errorf("no parent inode cached for %q", rel)
		}

		if d.IsDir() {
			in, rc := driver.Mkdir(nil, parent, d.Name())
			if rc != 0 {
				return fmt.Errorf("mkdir %q: %s", rel, rc)
			}
			dirInodes[rel] = in
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if _, rc := driver.MkFile(parent, d.Name(), data); rc != 0 {
			return fmt.Errorf("mkfile %q: %s", rel, rc)
		}
		return nil
	})
}
