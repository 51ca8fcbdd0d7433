//
// Copyright 2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/hymo-project/hymofsd/config"
	"github.com/hymo-project/hymofsd/controller"
	"github.com/hymo-project/hymofsd/domain"
	"github.com/hymo-project/hymofsd/kernel"
)

const usage = `hymofsd

hymofsd composes read-only modules into the live system partitions by
picking, per module, a kernel-rule, overlay, or magic-mount strategy.
`

var (
	version  string
	commitId string
	builtAt  string
	builtBy  string
)

// exitHandler runs on SIGHUP/SIGINT/SIGTERM/SIGQUIT: nothing installed
// by hymofsd is torn down automatically, matching §7's "already
// installed mounts are not rolled back" propagation rule.
func exitHandler(signalChan chan os.Signal) {
	s := <-signalChan
	logrus.Warnf("caught OS signal: %s, exiting", s)
	os.Exit(0)
}

func main() {
	app := cli.NewApp()
	app.Name = "hymofsd"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "moduledir",
			Value: "/data/adb/hymo/modules",
			Usage: "module source directory",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "/dev/stdout",
			Usage: "log file path",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("hymofsd\n"+
			"\tversion: \t%s\n"+
			"\tcommit: \t%s\n"+
			"\tbuilt at: \t%s\n"+
			"\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" && path != "/dev/stdout" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				logrus.Fatalf("error opening log file %v: %v. Exiting ...", path, err)
				return err
			}
			logrus.SetFormatter(&logrus.TextFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
			})
			logrus.SetOutput(f)
		}

		switch logLevel := ctx.GlobalString("log-level"); logLevel {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "info", "":
			logrus.SetLevel(logrus.InfoLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.Fatalf("log-level option '%v' not recognized. Exiting ...", logLevel)
		}

		return nil
	}

	app.Commands = []cli.Command{
		{
			Name:  "mount",
			Usage: "run the full boot sequence: scan modules, set up storage, sync, plan, execute",
			Action: func(ctx *cli.Context) error {
				cfg, _, ctl := bootstrap(ctx)
				runtimeState, err := ctl.Mount(cfg)
				if err != nil {
					logrus.WithError(err).Error("mount failed")
					return cli.NewExitError("", 1)
				}
				printRuntimeState(runtimeState)
				return nil
			},
		},
		{
			Name:  "clear",
			Usage: "drop every kernel rule, leaving overlay/magic mounts untouched",
			Action: func(ctx *cli.Context) error {
				cfg, _, ctl := bootstrap(ctx)
				if err := ctl.Clear(cfg); err != nil {
					logrus.WithError(err).Error("clear failed")
					return cli.NewExitError("", 1)
				}
				return nil
			},
		},
		{
			Name:  "fix-mounts",
			Usage: "re-scan modules and re-run the plan against the existing staging root",
			Action: func(ctx *cli.Context) error {
				cfg, _, ctl := bootstrap(ctx)
				runtimeState, err := ctl.Reload(cfg)
				if err != nil {
					logrus.WithError(err).Error("fix-mounts failed")
					return cli.NewExitError("", 1)
				}
				printRuntimeState(runtimeState)
				return nil
			},
		},
		{
			Name:  "module",
			Usage: "incrementally add or remove a single module's kernel rules",
			Subcommands: []cli.Command{
				{
					Name:      "add",
					Usage:     "install kernel rules for a module without a full re-mount",
					ArgsUsage: "<module-id>",
					Action: func(ctx *cli.Context) error {
						return withModuleID(ctx, func(cfg *domain.Config, ctl *controller.Controller, id string) error {
							return ctl.AddModule(cfg, id)
						})
					},
				},
				{
					Name:      "remove",
					Usage:     "delete kernel rules for a module without a full re-mount",
					ArgsUsage: "<module-id>",
					Action: func(ctx *cli.Context) error {
						return withModuleID(ctx, func(cfg *domain.Config, ctl *controller.Controller, id string) error {
							return ctl.RemoveModule(cfg, id)
						})
					},
				},
			},
		},
		{
			Name:  "hymofs",
			Usage: "inspect the in-kernel peer",
			Subcommands: []cli.Command{
				{
					Name:  "status",
					Usage: "print the peer's availability and protocol compatibility",
					Action: func(ctx *cli.Context) error {
						_, kc, _ := bootstrap(ctx)
						status := kc.Status()
						fmt.Printf("peer status: %s\n", status)
						return nil
					},
				},
				{
					Name:  "version",
					Usage: "print the peer's reported protocol version",
					Action: func(ctx *cli.Context) error {
						_, kc, _ := bootstrap(ctx)
						v, err := kc.GetVersion()
						if err != nil {
							logrus.WithError(err).Error("version query failed")
							return cli.NewExitError("", 1)
						}
						fmt.Printf("peer protocol version: %d (expected %d)\n", v, domain.ExpectedProtocolVersion)
						return nil
					},
				},
			},
		},
		{
			Name:  "config",
			Usage: "inspect the loaded configuration",
			Subcommands: []cli.Command{
				{
					Name:  "show",
					Usage: "print the merged flat+toml configuration in effect",
					Action: func(ctx *cli.Context) error {
						cfg, _, _ := bootstrap(ctx)
						fmt.Printf("moduledir: %s\ntempdir: %s\nmountsource: %s\nmirror_path: %s\nstate_path: %s\npartitions: %v\n",
							cfg.ModuleDir, cfg.TempDir, cfg.MountSource, cfg.MirrorPath, cfg.StatePath, cfg.Partitions)
						return nil
					},
				},
			},
		},
		{
			Name:  "debug",
			Usage: "toggle kernel-peer debug logging",
			Subcommands: []cli.Command{
				{
					Name:  "on",
					Usage: "enable kernel-peer debug logging",
					Action: func(ctx *cli.Context) error {
						_, kc, _ := bootstrap(ctx)
						return kc.SetDebug(true)
					},
				},
				{
					Name:  "off",
					Usage: "disable kernel-peer debug logging",
					Action: func(ctx *cli.Context) error {
						_, kc, _ := bootstrap(ctx)
						return kc.SetDebug(false)
					},
				},
			},
		},
		{
			Name:  "hide",
			Usage: "hide a single host path from userspace without a module",
			ArgsUsage: "<path>",
			Action: func(ctx *cli.Context) error {
				if ctx.NArg() != 1 {
					return cli.NewExitError("hide requires exactly one path argument", 1)
				}
				_, kc, _ := bootstrap(ctx)
				if err := kc.Hide(ctx.Args().Get(0)); err != nil {
					logrus.WithError(err).Error("hide failed")
					return cli.NewExitError("", 1)
				}
				return nil
			},
		},
	}

	app.Action = func(ctx *cli.Context) error {
		return cli.ShowAppHelp(ctx)
	}

	exitChan := make(chan os.Signal, 1)
	signal.Notify(exitChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go exitHandler(exitChan)

	if err := app.Run(os.Args); err != nil {
		logrus.Panic(err)
	}
}

// bootstrap loads the on-disk configuration, wires the kernel client,
// and builds a Controller — the common setup every subcommand needs.
func bootstrap(ctx *cli.Context) (*domain.Config, domain.KernelClientIface, *controller.Controller) {
	cfg, err := config.Load(config.BaseDir)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	if dir := ctx.GlobalString("moduledir"); dir != "" {
		cfg.ModuleDir = dir
	}

	kc := kernel.New(logrus.StandardLogger())
	ctl := controller.New(logrus.StandardLogger(), kc)
	return cfg, kc, ctl
}

func withModuleID(ctx *cli.Context, fn func(cfg *domain.Config, ctl *controller.Controller, id string) error) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("expected exactly one module id argument", 1)
	}
	cfg, _, ctl := bootstrap(ctx)
	if err := fn(cfg, ctl, ctx.Args().Get(0)); err != nil {
		logrus.WithError(err).Error("module operation failed")
		return cli.NewExitError("", 1)
	}
	return nil
}

func printRuntimeState(s *domain.RuntimeState) {
	fmt.Printf("storage_mode: %s\nmount_point: %s\nactive_mounts: %d\nfailed: %v\n",
		s.StorageMode, s.MountPoint, len(s.ActiveMounts), s.Failed)
}
