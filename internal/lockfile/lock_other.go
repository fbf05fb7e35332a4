//go:build !unix

package lockfile

import "os"

// No advisory locking off unix; a single engine per host is assumed.
func flockExclusive(*os.File) error { return nil }

func flockUnlock(*os.File) error { return nil }

func isProcessRunning(pid int) bool { return pid > 0 }
