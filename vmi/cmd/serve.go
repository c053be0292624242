package cmd

import (
	"os"
	"os/signal"

	"github.com/pkg/browser"
	"github.com/sarchlab/vmi/monitoring"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve cache statistics of an engine over HTTP.",
	Long: "`serve --image F` opens the image and serves the statistics " +
		"and controls of its engine until interrupted.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		open, _ := cmd.Flags().GetBool("open")

		s, err := openSession(cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		m := monitoring.NewMonitor().
			WithPortNumber(cfg.Port).
			WithLogger(logrus.StandardLogger())
		m.RegisterEngine(s.engine)

		url, err := m.StartServer()
		if err != nil {
			return err
		}

		cmd.Printf("Monitoring engine %s at %s\n", s.engine.ID(), url)

		if open {
			if err := browser.OpenURL(url); err != nil {
				logrus.WithError(err).Warn("cannot open browser")
			}
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt)

		select {
		case <-stop:
		case <-contextOf(cmd).Done():
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "port to listen on, random if unset")
	serveCmd.Flags().Bool("open", false, "open the monitor in a browser")
}
