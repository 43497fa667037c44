package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/jessevdk/go-flags"
	"github.com/nguyenvq/arcx"
	"golang.org/x/sync/errgroup"
)

type Check struct {
	Password       string `short:"p" long:"password" env:"ARCX_PASSWORD" description:"the password to verify"`
	MaxConcurrency int    `short:"P" long:"max-concurrency" description:"number of archives checked in parallel" default:"4"`
	Args           struct {
		Files []flags.Filename `positional-arg-name:"file" description:"the archives to check" required:"yes"`
	} `positional-args:"yes"`
}

func (c *Check) Execute(args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("unknown positional arguments: %s", strings.Join(args, " "))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer stop()

	var mu sync.Mutex
	bad := 0

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(c.MaxConcurrency, 1))
	n := len(c.Args.Files)
	for i, file := range c.Args.Files {
		eg.Go(func() error {
			logger := newLogger(i, n, file)

			ok, err := c.check(ctx, string(file), logger)
			switch {
			case errors.Is(err, context.Canceled):
				return err
			case err != nil:
				logger.Printf("check error: %v", err)
			}

			if !ok || err != nil {
				mu.Lock()
				bad++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	if bad > 0 {
		return fmt.Errorf("%d/%d archives failed the check", bad, n)
	}
	log.Printf("all %d archives passed", n)
	return nil
}

func (c *Check) check(ctx context.Context, name string, logger *log.Logger) (bool, error) {
	a, err := arcx.Open(ctx, name)
	if err != nil {
		return false, err
	}

	if encrypted, err := a.Encrypted(ctx); err != nil {
		return false, err
	} else if !encrypted {
		logger.Printf("not encrypted")
		return true, nil
	}

	ok, err := a.VerifyPassword(ctx, c.Password)
	if err != nil {
		return false, err
	}
	if ok {
		logger.Printf("password accepted")
	} else {
		logger.Printf("password rejected")
	}
	return ok, nil
}
