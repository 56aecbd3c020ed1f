package serial

var (
	tcgets = uintptr(0x5401)
	tcsets = uintptr(0x5402)

	tcflsh = uintptr(0x540B)

	tiocmget = uintptr(0x5415) // get status
	tiocmbis = uintptr(0x5416) // set indicated bits
	tiocmbic = uintptr(0x5417) // clear indicated bits
	tiocmset = uintptr(0x5418) // set status

	// fionread reports the number of bytes queued to read without
	// consuming them — the "bytes available" introspection the bulk
	// phases poll instead of blocking on read.
	fionread = uintptr(0x541B)
)
