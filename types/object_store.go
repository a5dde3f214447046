package types

import "context"

// Capability interface over the remote backup namespace.
// Keys are slash separated, prefixes are plain string prefixes (no implicit slash).
type ObjectStore interface {
  // Returns all objects whose key starts with `prefix`, in no particular order.
  // The empty prefix lists the whole namespace.
  List(ctx context.Context, prefix string) ([]ObjectInfo, error)

  // Downloads every object under `prefix` into `local_dir`.
  // The part of the key after `prefix` becomes the relative path inside `local_dir`.
  // Returns `ErrNotFound` if nothing matches `prefix`.
  GetRecursive(ctx context.Context, prefix string, local_dir string) error

  // Downloads exactly the object `key` to `local_path`.
  // Returns `ErrNotFound` if there is no such object.
  Get(ctx context.Context, key string, local_path string) error

  // Uploads every regular file under `local_dir` to `prefix`/<relative path>.
  PutRecursive(ctx context.Context, local_dir string, prefix string) error

  // Deletes every object under `prefix`.
  // Deleting a prefix with no objects is a noop.
  DeleteRecursive(ctx context.Context, prefix string) error
}

// Resolves which generation to restore from.
type BackupLocator interface {
  // If `explicit_path` is non empty it is used verbatim, no listing happens.
  // Otherwise returns the most recent generation under `search_prefix`.
  // Returns `ErrNoBackupFound` if nothing can be used.
  Locate(ctx context.Context, explicit_path string, search_prefix string) (*BackupDescriptor, error)

  // Groups all objects under `prefix` into generations.
  ListGenerations(ctx context.Context, prefix string) ([]*BackupDescriptor, error)
}

type RetentionCollector interface {
  // Deletes the generations under `prefix` not covered by the retention policy.
  // A failure to delete one generation does not stop the others,
  // they are reported in `DeletedItems.Failed`.
  // In dry-run mode, nothing will be deleted.
  CleanOldGenerations(ctx context.Context, dry_run bool, prefix string) (*DeletedItems, error)
}

// Store with administrative checks, used by preflight.
type AdminObjectStore interface {
  ObjectStore
  // Fails if the namespace cannot be reached with the configured credentials.
  Probe(ctx context.Context) error
}
