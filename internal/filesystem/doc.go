/*
Package filesystem wraps the file operations on chunk and output files with
retry logic for NFS stale file handle errors.

Work and output directories are often NFS mounts shared between the
service and its workers. A chunk written by a worker process can briefly
surface as ESTALE to the coordinator, so stat, open, read and rename retry
with exponential backoff (3 retries, 50ms doubling to 500ms by default).
Every other error fails immediately.

	info, err := filesystem.StatWithRetry(outputPath, filesystem.DefaultRetryConfig())

[MoveFile] renames and falls back to copy and delete across filesystems.

Metrics are labelled by volume ("work", "output" or "unknown") through a
[VolumeResolver] and recorded by the [Observer] installed with
[SetObserver].
*/
package filesystem
