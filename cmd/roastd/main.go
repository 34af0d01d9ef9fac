// roastd is a coordination daemon for a ROAST threshold-signature service.
// It runs the DKG and signing-round coordination core; it does not carry
// out any cryptography itself beyond what ServerState needs to verify and
// route messages between participants.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/chorus-sig/roastd/common/log"
	"github.com/chorus-sig/roastd/internal/coord"
	"github.com/chorus-sig/roastd/internal/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"
)

// Automatically set through -ldflags.
var (
	version   = "master"
	gitCommit = "none"
	buildDate = "unknown"
)

func banner() {
	fmt.Printf("roastd %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	fmt.Println("WARNING: this software has not received a security audit. Do not use it to coordinate real funds.")
}

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "Path to a roastd TOML config file. If unset, the built-in defaults are used (and --group is required).",
}

var groupFlag = &cli.StringFlag{
	Name:  "group",
	Usage: "Path to a group TOML file (participant identifiers and public keys), overriding any group embedded in --config.",
}

var metricsFlag = &cli.StringFlag{
	Name:  "metrics",
	Usage: "Launch a metrics server at the specified (host:)port.",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, verbosity is at the debug level",
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

func fatal(str string, args ...interface{}) {
	fmt.Printf(str+"\n", args...)
	os.Exit(1)
}

// loadConfig builds a Config from --config (if given), then overlays a
// --group file on top of whatever group it carried. This flags-override-file
// layering lets an operator keep one base config and swap groups per
// deployment without editing the config file itself.
func loadConfig(c *cli.Context) coord.Config {
	cfg := coord.DefaultConfig()
	if path := c.String(configFlag.Name); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			fatal("roastd: could not read config %q: %v", path, err)
		}
		cfg, err = coord.UnmarshalConfigTOML(raw)
		if err != nil {
			fatal("roastd: could not parse config %q: %v", path, err)
		}
	}
	if path := c.String(groupFlag.Name); path != "" {
		var g coord.GroupConfig
		if _, err := toml.DecodeFile(path, &g); err != nil {
			fatal("roastd: could not parse group %q: %v", path, err)
		}
		cfg.Group = g
	}
	return cfg
}

func serveCmd(c *cli.Context) error {
	cfg := loadConfig(c)
	grp, err := cfg.Group.ToGroupConfig()
	if err != nil {
		return fmt.Errorf("roastd: invalid group config: %w", err)
	}
	if len(grp.Participants) == 0 {
		fatal("roastd: no group configured; pass --config or --group")
	}

	level := log.DefaultLevel
	if c.Bool(verboseFlag.Name) {
		level = log.DebugLevel
	}
	logger := log.Component(log.New(os.Stdout, level, false), "roastd")

	if bindAddr := c.String(metricsFlag.Name); bindAddr != "" {
		if l := metrics.Start(logger, bindAddr); l != nil {
			defer l.Close()
		}
	}

	// ReferenceCrypto is a hash-based stand-in for a real FROST/ROAST
	// curve implementation (see internal/coord/refcrypto.go); a production deployment would
	// inject its own SigningCrypto here instead.
	state := coord.NewServerState(clockwork.NewRealClock(), &cfg, grp, coord.ReferenceCrypto{}, logger)
	_ = coord.NewHandler(state)

	logger.Infow("roastd", "group", grp.ID, "participants", len(grp.Participants))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Infow("roastd", "shutdown", "signal received")
	return nil
}

func configShowCmd(c *cli.Context) error {
	cfg := loadConfig(c)
	out, err := cfg.MarshalTOML()
	if err != nil {
		return fmt.Errorf("roastd: could not render config: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func configDefaultCmd(c *cli.Context) error {
	out, err := coord.DefaultConfig().MarshalTOML()
	if err != nil {
		return fmt.Errorf("roastd: could not render default config: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func groupFingerprintCmd(c *cli.Context) error {
	cfg := loadConfig(c)
	grp, err := cfg.Group.ToGroupConfig()
	if err != nil {
		return fmt.Errorf("roastd: invalid group config: %w", err)
	}
	fp := grp.Fingerprint()
	_, err = fmt.Println(hex.EncodeToString(fp[:]))
	return err
}

func CLI() {
	app := cli.NewApp()

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("roastd %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	}

	app.Name = "roastd"
	app.Version = version
	app.Usage = "ROAST threshold-signature coordination daemon"
	app.Flags = toArray(verboseFlag)

	app.Commands = []*cli.Command{
		{
			Name:  "serve",
			Usage: "Run the coordination daemon.",
			Flags: toArray(configFlag, groupFlag, metricsFlag),
			Action: func(c *cli.Context) error {
				banner()
				return serveCmd(c)
			},
		},
		{
			Name:  "config",
			Usage: "Inspect roastd configuration.",
			Subcommands: []*cli.Command{
				{
					Name:  "show",
					Usage: "Load --config/--group and print the resulting TOML config.",
					Flags: toArray(configFlag, groupFlag),
					Action: configShowCmd,
				},
				{
					Name:   "default",
					Usage:  "Print the built-in default config in TOML form.",
					Action: configDefaultCmd,
				},
			},
		},
		{
			Name:  "group",
			Usage: "Inspect a signing group.",
			Subcommands: []*cli.Command{
				{
					Name:   "fingerprint",
					Usage:  "Print the hex fingerprint of --config/--group's group.",
					Flags:  toArray(configFlag, groupFlag),
					Action: groupFingerprintCmd,
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fatal("roastd: %v", err)
	}
}

func main() {
	CLI()
}
