/*
Package s3 stores a domain's files in an S3 bucket so the same client code can
run against object storage instead of trackers.

# Layout

Every key lives under a prefix named after the domain:

	<bucket>/<domain>/<key>

Reload only swaps the prefix, so switching domains is free.

# Writes

NewFile pipes written bytes into the SDK upload manager. Small files go up in
one PutObject; larger ones become a multipart upload with PartSize parts and
Concurrency workers. The key appears once Close returns, and Abort cancels the
upload.

# Reads and paths

GetPaths answers with presigned GET URLs valid for PresignExpiry, which lets
callers fetch over plain HTTP the same way they would from storage nodes.

# Usage

	cfg := s3.NewDefaultConfig()
	cfg.Bucket = "media"
	cfg.Endpoint = "http://localhost:4566"
	cfg.ForcePathStyle = true

	backend, err := s3.NewBackend(ctx, "photos", cfg, logger, nil)
	if err != nil {
		return err
	}
	defer backend.Close()

	err = backend.StoreBytes(ctx, "cat.jpg", "", data)
*/
package s3
