package arcx

// OpenOptions customises Open.
type OpenOptions struct {
	// VerifyLimit caps how many bytes VerifyPassword and the per-operation password gate are willing to
	// decode for one check. Zero or negative means DefaultVerifyLimit.
	VerifyLimit int64
}

// CreateOptions customises Create.
type CreateOptions struct {
	// Level is the default compression level for entries later added through this handle.
	Level Level
	// VerifyLimit caps how many bytes VerifyPassword and the per-operation password gate are willing to
	// decode for one check. Zero or negative means DefaultVerifyLimit.
	VerifyLimit int64
}

// ListOptions customises List and Catalog.
type ListOptions struct {
	// Password is required by archives that encrypt their index; listing never decodes entry data.
	Password string
}

// AddOptions customises Add.
type AddOptions struct {
	// Password both unlocks an encrypted archive and encrypts the entries being added. Adding to an
	// unencrypted archive with a password produces a mixed archive whose new entries require it.
	Password string
	// Level overrides the handle's default compression level for this call.
	Level Level
	// Progress receives a report after each source is written.
	Progress ProgressFunc
}

// DeleteOptions customises Delete.
type DeleteOptions struct {
	Password string
	// Progress receives a report after each surviving or removed entry is processed.
	Progress ProgressFunc
}

// ExtractOptions customises Extract.
type ExtractOptions struct {
	Password string
	// Progress receives a report after each entry is written to disk.
	Progress ProgressFunc
}
