// Command mkfs builds an Easy-FS image from a host directory tree, the
// same role biscuit's own mkfs plays for its disk images: it reads a flat
// skeleton directory (subdirectories are rejected), creates one file in
// the fresh filesystem's root directory for each regular file in it, and
// writes the result to a host file that the
// running kernel can later mount as its root device. Unlike the kernel
// itself, this tool runs hosted, so it reads source files concurrently
// with golang.org/x/sync/errgroup and fsyncs the finished image with
// golang.org/x/sys/unix before exiting.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"bcache"
	"blkdev"
	"easyfs"
	"vfs"
)

// Default image sizing, chosen generously enough for a handful of small
// user programs and text files; override with -blocks for a larger image.
const (
	defaultTotalBlocks       = 8192
	defaultInodeBitmapBlocks = 4
)

// hostFile adapts an os.File to blkdev.Device_i: block id i lives at byte
// offset i*BlockSize, exactly biscuit's own disk.go convention for its
// host-backed block device.
type hostFile struct {
	f *os.File
}

func (h *hostFile) ReadBlock(id uint32, buf []byte) {
	if _, err := h.f.ReadAt(buf, int64(id)*blkdev.BlockSize); err != nil {
		panic(fmt.Sprintf("mkfs: read block %d: %v", id, err))
	}
}

func (h *hostFile) WriteBlock(id uint32, buf []byte) {
	if _, err := h.f.WriteAt(buf, int64(id)*blkdev.BlockSize); err != nil {
		panic(fmt.Sprintf("mkfs: write block %d: %v", id, err))
	}
}

// sourceFile is one regular file discovered under the skeleton directory,
// read into memory ahead of being copied into the image.
type sourceFile struct {
	rel  string
	data []byte
}

// scan walks root and returns every directory (as a slash-separated path
// relative to root, in discovery order) and every regular file with its
// content already loaded, the files loaded concurrently since reading N
// independent host files has no ordering dependency.
func scan(root string) (dirs []string, files []sourceFile, err error) {
	type pending struct {
		rel   string
		isDir bool
	}
	var entries []pending
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, root), string(filepath.Separator))
		if rel == "" {
			return nil
		}
		rel = filepath.ToSlash(rel)
		entries = append(entries, pending{rel: rel, isDir: d.IsDir()})
		return nil
	})
	if walkErr != nil {
		return nil, nil, walkErr
	}

	files = make([]sourceFile, 0, len(entries))
	var g errgroup.Group
	for _, e := range entries {
		if e.isDir {
			dirs = append(dirs, e.rel)
			continue
		}
		idx := len(files)
		files = append(files, sourceFile{rel: e.rel})
		rel := e.rel
		path := filepath.Join(root, filepath.FromSlash(rel))
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", rel, err)
			}
			files[idx].data = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return dirs, files, nil
}

// Every Inode.Create lands a plain TypeFile inode (vfs has one directory,
// the root), so a skeleton tree with any subdirectory cannot be
// represented: writeFile below would have to Create/Find through a
// "directory" that is really a file, which vfs.findInodeID panics on.
// -skel is therefore required to be a flat directory of regular files.

func writeFile(root *vfs.Inode, rel string, data []byte) error {
	if strings.Contains(rel, "/") {
		return fmt.Errorf("write %s: this image format has no subdirectories; -skel must be a flat directory", rel)
	}
	ino, ok := root.Find(rel)
	if !ok {
		ino, ok = root.Create(rel)
		if !ok {
			return fmt.Errorf("create %s: failed", rel)
		}
	}
	if n := ino.WriteAt(0, data); n != len(data) {
		return fmt.Errorf("write %s: wrote %d of %d bytes", rel, n, len(data))
	}
	return nil
}

func run() error {
	image := flag.String("image", "", "path to the output image file (required)")
	skel := flag.String("skel", "", "host directory to copy into the image root (required)")
	totalBlocks := flag.Uint("blocks", defaultTotalBlocks, "total blocks in the image")
	inodeBitmapBlocks := flag.Uint("inode-bitmap-blocks", defaultInodeBitmapBlocks, "blocks reserved for the inode bitmap")
	flag.Parse()

	if *image == "" || *skel == "" {
		return errors.New("mkfs: -image and -skel are both required")
	}

	f, err := os.Create(*image)
	if err != nil {
		return fmt.Errorf("creating image: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(*totalBlocks) * blkdev.BlockSize); err != nil {
		return fmt.Errorf("sizing image: %w", err)
	}

	dev := &hostFile{f: f}
	cache := bcache.NewManager(func() {})
	efs := easyfs.Create(dev, cache, uint32(*totalBlocks), uint32(*inodeBitmapBlocks))
	root := vfs.Root(efs)

	dirs, files, err := scan(*skel)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", *skel, err)
	}
	if len(dirs) > 0 {
		return fmt.Errorf("scanning %s: this image format has no subdirectories, found %q; -skel must be a flat directory", *skel, dirs[0])
	}
	for _, sf := range files {
		if err := writeFile(root, sf.rel, sf.data); err != nil {
			return err
		}
	}

	efs.Cache().SyncAll()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flushing image: %w", err)
	}
	if err := unix.Fsync(int(f.Fd())); err != nil {
		return fmt.Errorf("fsyncing image: %w", err)
	}

	fmt.Printf("mkfs: wrote %d files, %d directories to %s (%d blocks)\n",
		len(files), len(dirs), *image, *totalBlocks)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
