package arcx

import (
	"errors"
)

var (
	// ErrPassword is returned when an archive is encrypted and the given password is wrong or missing.
	//
	// Operations verify the password before doing any mutating I/O, so an operation failing with ErrPassword
	// has not modified the archive.
	ErrPassword = errors.New("wrong or missing password")

	// ErrUnsupported is returned when a file's signature or extension matches no supported archive format.
	ErrUnsupported = errors.New("unsupported archive format")

	// ErrCorrupt is returned when a file that should be an archive cannot be parsed as one. A wrong password is
	// reported as ErrPassword, never as ErrCorrupt.
	ErrCorrupt = errors.New("corrupt archive")
)
