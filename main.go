package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"github.com/liftbridge-io/liftbridge-journal/server"
	"github.com/liftbridge-io/liftbridge-journal/server/logger"
	"github.com/liftbridge-io/liftbridge-journal/server/seqfile"
)

func main() {
	app := cli.NewApp()
	app.Name = "liftbridge-journal"
	app.Usage = "Manage pre-allocated, group-committed journal files"
	app.Version = server.Version
	app.Flags = getFlags()
	app.Commands = []cli.Command{
		{
			Name:   "init",
			Usage:  "create the journal directory and pre-allocate its files",
			Action: initJournal,
		},
		{
			Name:   "info",
			Usage:  "print the journal settings and files",
			Action: info,
		},
		{
			Name:  "backup",
			Usage: "copy every journal file into a new directory",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "dest",
					Usage: "create the backup under `DIR`",
					Value: ".",
				},
			},
			Action: backup,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load configuration from `FILE`",
		},
		cli.StringFlag{
			Name:  "data-dir, d",
			Usage: "store journal files in `DIR`",
		},
		cli.StringFlag{
			Name:  "type, t",
			Usage: "journal backend [buffered|direct]",
		},
		cli.StringFlag{
			Name:  "level, l",
			Usage: "logging level [debug|info|warn|error]",
			Value: "info",
		},
	}
}

// loadConfig reads the config file and applies the global flags on top.
func loadConfig(c *cli.Context) (*server.Config, error) {
	config, err := server.NewConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if dir := c.GlobalString("data-dir"); dir != "" {
		config.DataDir = dir
	}
	if name := c.GlobalString("type"); name != "" {
		backend, err := seqfile.ParseBackend(name)
		if err != nil {
			return nil, err
		}
		config.Journal.Backend = backend
	}
	if c.GlobalIsSet("level") {
		level, err := server.GetLogLevel(c.GlobalString("level"))
		if err != nil {
			return nil, err
		}
		config.LogLevel = level
	}
	return config, config.Validate()
}

func newLogger(config *server.Config) logger.Logger {
	log := logger.NewLogger(config.LogLevel)
	log.Prefix("[journal] ")
	if config.LogSilent {
		log.Silent(true)
	}
	return log
}

func initJournal(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}
	journal, err := server.OpenJournal(config, newLogger(config))
	if err != nil {
		return err
	}
	return journal.Close()
}

func info(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}
	return describeJournal(os.Stdout, config)
}

func backup(c *cli.Context) error {
	config, err := loadConfig(c)
	if err != nil {
		return err
	}
	journal, err := server.OpenJournal(config, newLogger(config))
	if err != nil {
		return err
	}
	dir, err := journal.Backup(c.String("dest"))
	if err != nil {
		journal.Close()
		return err
	}
	fmt.Println(dir)
	return journal.Close()
}

// describeJournal writes the settings and the files of the journal to w
// without opening it.
func describeJournal(w io.Writer, config *server.Config) error {
	factory := seqfile.NewFactory(config.DataDir, seqfile.FactoryOptions{Backend: config.Journal.Backend})
	names, err := factory.ListFiles("jrn")
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Directory:\t%s\n", config.DataDir)
	fmt.Fprintf(tw, "Journal:\t%s\n", config.Journal)
	fmt.Fprintf(tw, "Files:\t%d\n", len(names))
	fmt.Fprintln(tw, "")
	var total int64
	for _, name := range names {
		stat, err := os.Stat(filepath.Join(config.DataDir, name))
		if err != nil {
			return err
		}
		total += stat.Size()
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, humanize.IBytes(uint64(stat.Size())), humanize.Time(stat.ModTime()))
	}
	fmt.Fprintf(tw, "Total:\t%s\n", humanize.IBytes(uint64(total)))
	return tw.Flush()
}
