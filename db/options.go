package db

// Options configures an engine instance. WalPath and SSTDir are given
// independently rather than as a single base directory: callers are
// free to put the WAL on different storage than the SSTables.
type Options struct {
	WalPath string
	SSTDir  string

	// FlushThresholdBytes triggers flush() once the memtable's
	// ApproxSize reaches it. A value <= 0 is treated as 1 (flush on
	// every write).
	FlushThresholdBytes int

	// L0CompactionTrigger triggers compact() once L0 holds at least
	// this many tables. 0 disables auto-compaction.
	L0CompactionTrigger int

	// WalSync fsyncs the WAL after every append.
	WalSync bool

	// Lock takes an OS advisory lock on SSTDir for the life of the DB,
	// so a second process opening the same directory fails fast.
	Lock bool
}

// DefaultOptions returns sane defaults for the two required paths:
// sync on every write, flush at 4 MiB, compact L0 once it reaches 4
// tables, no directory lock.
func DefaultOptions(walPath, sstDir string) Options {
	return Options{
		WalPath:             walPath,
		SSTDir:              sstDir,
		FlushThresholdBytes: 4 << 20,
		L0CompactionTrigger: 4,
		WalSync:             true,
		Lock:                false,
	}
}

func (o Options) effectiveFlushThreshold() int {
	if o.FlushThresholdBytes <= 0 {
		return 1
	}
	return o.FlushThresholdBytes
}
