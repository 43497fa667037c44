// Package cmd wires the arcx subcommands into a go-flags parser.
package cmd

import (
	"github.com/jessevdk/go-flags"
)

type Arcx struct {
	List    List    `command:"list" alias:"ls" description:"list the contents of archives"`
	New     New     `command:"new" description:"create new empty archives"`
	Add     Add     `command:"add" description:"add files or directories to an archive"`
	Remove  Remove  `command:"remove" alias:"rm" description:"remove entries from an archive"`
	Extract Extract `command:"extract" alias:"x" description:"extract archives into a directory"`
	Check   Check   `command:"check" description:"verify passwords against archives"`
}

func NewParser() (*flags.Parser, error) {
	opts := &Arcx{}

	p := flags.NewNamedParser("arcx", flags.Default)
	if _, err := p.AddGroup("Global Options", "", opts); err != nil {
		return nil, err
	}

	return p, nil
}
