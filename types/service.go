package types

import "context"

// Controls the database service (a docker compose service).
// All calls are synchronous.
type ServiceLifecycle interface {
  Stop(ctx context.Context) error
  Start(ctx context.Context) error
  Restart(ctx context.Context) error
  // Returns the command exit code and its combined output.
  // A non-zero exit code is not an error, failing to run the command is.
  ExecInService(ctx context.Context, cmd []string) (int, string, error)
  CopyIntoService(ctx context.Context, local_path string, container_path string) error
  CopyFromService(ctx context.Context, container_path string, local_dir string) error
}

// Docker volume and compose definition handling.
type VolumeManager interface {
  VolumeExists(ctx context.Context, name string) (bool, error)
  // Host path where the volume content lives.
  VolumeMountpoint(ctx context.Context, name string) (string, error)
  // Makes the service definition mount `new_name` where it mounted `old_name`.
  // The previous definition is kept next to the original with suffix `backup_suffix`.
  // Returns the path of the preserved copy.
  RewriteServiceVolume(old_name string, new_name string, backup_suffix string) (string, error)
  // Overwrites the service definition with the copy returned by `RewriteServiceVolume`.
  RestoreServiceDefinition(preserved string) error
}

type FilesystemProbe interface {
  // Total size in bytes of all regular files under `path`.
  SizeOf(path string) (int64, error)
  // Free bytes available to unprivileged users on the filesystem hosting `path`.
  AvailableSpace(path string) (int64, error)
}

// Handles backup creation for a database service.
type BackupManager interface {
  // Creates a new generation, uploads it and prunes old ones according to the policy.
  Backup(ctx context.Context, req BackupRequest) (*BackupResult, error)
}

// Handles restores into a database service.
type RestoreManager interface {
  // Runs the whole restore pipeline for `req`.
  // Returns the final state, `StateCompleted` unless an error is returned.
  Restore(ctx context.Context, req RestoreRequest) (RestoreState, error)
}
