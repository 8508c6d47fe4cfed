// Copyright 2021 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Command ppoolctl is a small diagnostic and embedding front door for a
// persipool pool file, styled after erigon's own cmd/ mains built on
// urfave/cli/v2. It is not the host-language binding layer spec.md §1
// places out of scope - it never interprets an embedding language's value
// model - but every teacher binary in the pack ships a CLI front door for
// its library, and a diagnostic CLI over the pool facade costs little and
// exercises the whole C8 surface end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/urfave/cli/v2"

	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/erigontech/persipool/mem"
	"github.com/erigontech/persipool/ppool"
)

var (
	pathFlag = &cli.StringFlag{
		Name:     "pool",
		Usage:    "path to the pool file",
		Required: true,
	}
	layoutFlag = &cli.StringFlag{
		Name:  "layout",
		Usage: "layout tag checked against the pool header",
	}
	sizeFlag = &cli.StringFlag{
		Name:  "size",
		Usage: "initial pool size, e.g. 64MB",
		Value: "64MB",
	}
)

func main() {
	app := &cli.App{
		Name:  "ppoolctl",
		Usage: "inspect and drive a persipool pool file",
		Commands: []*cli.Command{
			createCmd,
			checkCmd,
			getRootCmd,
			setRootCmd,
			gcCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Root().Error("ppoolctl failed", "err", err)
		os.Exit(1)
	}
}

var createCmd = &cli.Command{
	Name:  "create",
	Usage: "create a new pool file",
	Flags: []cli.Flag{pathFlag, layoutFlag, sizeFlag},
	Action: func(c *cli.Context) error {
		cfg, err := configFromFlags(c)
		if err != nil {
			return err
		}
		p, err := ppool.Create(cfg)
		if err != nil {
			return err
		}
		defer p.Close()
		fmt.Printf("created %s\n", c.String(pathFlag.Name))
		return nil
	},
}

var checkCmd = &cli.Command{
	Name:  "check",
	Usage: "validate a pool file's header without leaving it open",
	Flags: []cli.Flag{pathFlag, layoutFlag},
	Action: func(c *cli.Context) error {
		cfg, err := configFromFlags(c)
		if err != nil {
			return err
		}
		if err := mem.Check(cfg); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var getRootCmd = &cli.Command{
	Name:  "get-root",
	Usage: "print the pool's root value",
	Flags: []cli.Flag{pathFlag, layoutFlag},
	Action: func(c *cli.Context) error {
		cfg, err := configFromFlags(c)
		if err != nil {
			return err
		}
		cfg.ReadOnly = true
		p, err := ppool.Open(cfg)
		if err != nil {
			return err
		}
		defer p.Close()
		v, err := p.GetRoot(c.Context)
		if err != nil {
			return err
		}
		fmt.Println(describeValue(v))
		return nil
	},
}

var setRootCmd = &cli.Command{
	Name:      "set-root",
	Usage:     "persist a scalar and install it as the pool's root",
	ArgsUsage: "<string|number|true|false|null>",
	Flags:     []cli.Flag{pathFlag, layoutFlag},
	Action: func(c *cli.Context) error {
		cfg, err := configFromFlags(c)
		if err != nil {
			return err
		}
		p, err := ppool.Open(cfg)
		if err != nil {
			return err
		}
		defer p.Close()
		v, err := parseScalarArg(c.Args().First())
		if err != nil {
			return err
		}
		return p.SetRoot(c.Context, v)
	},
}

var gcCmd = &cli.Command{
	Name:  "gc",
	Usage: "run the reachability collector and print its accounting",
	Flags: []cli.Flag{pathFlag, layoutFlag},
	Action: func(c *cli.Context) error {
		cfg, err := configFromFlags(c)
		if err != nil {
			return err
		}
		p, err := ppool.Open(cfg)
		if err != nil {
			return err
		}
		defer p.Close()
		stats, err := p.Gc(c.Context)
		if err != nil {
			return err
		}
		fmt.Printf("containers: %d live, %d freed (of %d)\n", stats.ContainersLive, stats.ContainersFreed, stats.ContainerTotal)
		fmt.Printf("other:      %d live, %d freed (of %d)\n", stats.OtherLive, stats.OtherFreed, stats.OtherTotal)
		fmt.Printf("non-object blocks (untraced, owner-reachable only): %d\n", stats.NonObjectTotal)
		return nil
	},
}

func configFromFlags(c *cli.Context) (mem.Config, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(c.String(sizeFlag.Name))); err != nil && c.String(sizeFlag.Name) != "" {
		return mem.Config{}, fmt.Errorf("invalid --size: %w", err)
	}
	return mem.Config{
		Path:   c.String(pathFlag.Name),
		Layout: c.String(layoutFlag.Name),
		Size:   size,
		Logger: log.Root(),
	}, nil
}

func describeValue(v ppool.Value) string {
	switch v.Kind {
	case ppool.KindNumber:
		return fmt.Sprintf("number: %v", v.Number)
	case ppool.KindString:
		return fmt.Sprintf("string: %q", string(v.String))
	case ppool.KindTrue:
		return "true"
	case ppool.KindFalse:
		return "false"
	case ppool.KindNull:
		return "null"
	case ppool.KindUndefined:
		return "undefined"
	case ppool.KindEmptyString:
		return `string: ""`
	case ppool.KindObject:
		ctx := context.Background()
		names, err := v.Object.PropertyNames(ctx)
		if err != nil {
			return fmt.Sprintf("object (error listing properties: %v)", err)
		}
		return fmt.Sprintf("object: %v", names)
	case ppool.KindArrayBuffer:
		n, err := v.Buffer.Len()
		if err != nil {
			return fmt.Sprintf("arraybuffer (error reading length: %v)", err)
		}
		return fmt.Sprintf("arraybuffer: %d bytes", n)
	default:
		return "unknown"
	}
}

// parseScalarArg interprets a set-root argument as one of the primitive
// kinds Pool.PersistScalar accepts: the literals true/false/null, a
// float64 if the whole argument parses as one, else a plain string.
func parseScalarArg(arg string) (any, error) {
	switch arg {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "":
		return nil, nil
	}
	if f, err := strconv.ParseFloat(arg, 64); err == nil {
		return f, nil
	}
	return arg, nil
}
