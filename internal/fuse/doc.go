/*
Package fuse mounts one domain as a read-only directory tree using go-fuse.

Keys are split on "/" so "photos/2024/cat.jpg" appears as the file cat.jpg
inside photos/2024. Directories are synthesized from key prefixes and vanish
when their last key is deleted.

	fsys := fuse.NewFileSystem(client, fuse.DefaultConfig(), logger)
	mgr := fuse.NewMountManager(fsys, &fuse.MountConfig{MountPoint: "/mnt/media"})
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	mgr.Wait()

Any types.FileSystem can back the mount. Opening a file fetches the whole
object, so the reported size is zero until the first open; reads use direct
I/O and are not affected by that.
*/
package fuse
