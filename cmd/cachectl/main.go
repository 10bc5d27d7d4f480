// cachectl is a small operations tool for exercising Manager.Configure and
// inspecting live cache state -- a runnable end-to-end smoke path, since
// the caching layer's core has no network surface of its own to curl.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/urfave/cli"

	"github.com/milvus-io/cachecore/cachinglayer"
	"github.com/milvus-io/cachecore/cachinglayer/translators/memtranslator"
	"github.com/milvus-io/cachecore/cmn"
)

var (
	enableFlag = cli.BoolFlag{Name: "enable", Usage: "enable tiered storage"}
	memFlag    = cli.StringFlag{Name: "mem", Usage: "memory budget, e.g. 2GiB", Value: "1GiB"}
	diskFlag   = cli.StringFlag{Name: "disk", Usage: "disk budget, e.g. 10GiB", Value: "10GiB"}
	touchFlag  = cli.DurationFlag{Name: "touch-window", Usage: "LRU touch refresh window", Value: cachinglayer.DefaultTouchWindow}
)

func main() {
	app := cli.NewApp()
	app.Name = "cachectl"
	app.Usage = "operate and inspect the tiered-storage caching layer"
	app.Commands = []cli.Command{
		{
			Name:  "configure",
			Usage: "apply a Manager.Configure call",
			Flags: []cli.Flag{enableFlag, memFlag, diskFlag, touchFlag},
			Action: func(c *cli.Context) error {
				mem, err := cmn.S2B(c.String(memFlag.Name))
				if err != nil {
					return err
				}
				disk, err := cmn.S2B(c.String(diskFlag.Name))
				if err != nil {
					return err
				}
				m := cachinglayer.Default()
				m.Configure(c.Bool(enableFlag.Name), uint64(mem), uint64(disk), c.Duration(touchFlag.Name))
				fmt.Printf("configured: enabled=%v mem=%s disk=%s\n", m.Enabled(), cmn.B2S(mem, 1), cmn.B2S(disk, 1))
				return nil
			},
		},
		{
			Name:  "stats",
			Usage: "print the current Snapshot as JSON",
			Action: func(c *cli.Context) error {
				m := cachinglayer.Default()
				snap := cachinglayer.TakeSnapshot(m.DList(), nil)
				data, err := snap.JSON()
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			},
		},
		{
			Name:  "demo",
			Usage: "spin up an in-memory translator and slot, pin a few cells, print before/after snapshots",
			Action: runDemo,
		},
	}

	if err := app.Run(os.Args); err != nil {
		glog.Errorf("cachectl: %v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDemo(c *cli.Context) error {
	m := cachinglayer.Default()
	m.Configure(true, 2*cmn.KiB, 0, 200*time.Millisecond)
	m.SetDebounce(0)

	translator := memtranslator.New("demo", []int64{50, 150, 100, 200, 75})
	slot := m.CreateSlot(translator)
	slots := map[string]*cachinglayer.CacheSlot{translator.Key(): slot}

	before := cachinglayer.TakeSnapshot(m.DList(), slots)
	beforeJSON, _ := before.JSON()
	fmt.Println("before:")
	fmt.Println(string(beforeJSON))

	acc, err := slot.PinCells(context.Background(), []int64{2, 4})
	if err != nil {
		return err
	}
	defer acc.Release()

	after := cachinglayer.TakeSnapshot(m.DList(), slots)
	afterJSON, _ := after.JSON()
	fmt.Println("after:")
	fmt.Println(string(afterJSON))
	return nil
}
