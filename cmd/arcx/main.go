package main

import (
	"github.com/nguyenvq/arcx/internal/cmd"
)

func main() {
	p, err := cmd.NewParser()
	if err != nil {
		exit(err)
		return
	}

	_, err = p.Parse()
	exit(err)
}
