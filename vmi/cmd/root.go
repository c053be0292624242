// Package cmd provides the command-line interface of vmi.
package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var cfg = defaultConfig()

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "vmi",
	Short: "vmi inspects the memory of a target through its page tables.",
	Long: `vmi inspects the memory of a target through its page tables. ` +
		`It reads a raw physical memory image, translates virtual ` +
		`addresses with the page-table format of the target and serves ` +
		`cache statistics over HTTP.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "TOML file with default settings")
	flags.String("image", "", "raw physical memory image")
	flags.Bool("writable", false, "open the image for writing")
	flags.String("arch", "x64", "page-table format (x64, x86, x86pae, null)")
	flags.String("root", "", "physical address of the root page table")
	flags.String("trace", "", "record tasks into this SQLite database")
	flags.Int("parallelism", 8, "backend calls a batch may have outstanding")
	flags.Float64("reads-per-sec", 0, "limit backend calls, 0 for no limit")
	flags.BoolP("verbose", "v", false, "log at debug level")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg = defaultConfig()

	if err := cfg.loadFile(path); err != nil {
		return err
	}

	if err := cfg.loadEnv(".env"); err != nil {
		return err
	}

	if err := cfg.applyFlags(cmd); err != nil {
		return err
	}

	level, err := cfg.logLevel()
	if err != nil {
		return err
	}

	logrus.SetLevel(level)

	return nil
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Exit handlers, such as the ones flushing traces, run before
// the process exits.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
