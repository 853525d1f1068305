package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	relay "github.com/peerchat/peerchat/pkg"
	"github.com/peerchat/peerchat/pkg/logger"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "start a peerchat signaling relay",
	RunE:  relayMain,
}

func init() {
	relayCmd.PersistentFlags().StringVarP(&conf.Relay.HTTPAddr, "addr", "a", ":7000", "http listen address")
	relayCmd.PersistentFlags().StringVar(&conf.Relay.Cert, "cert", "", "tls certificate")
	relayCmd.PersistentFlags().StringVar(&conf.Relay.Key, "key", "", "tls priv key")

	rootCmd.AddCommand(relayCmd)
}

func relayMain(cmd *cobra.Command, args []string) error {
	log := logger.GetLogger().WithName("cmd")
	log.Info("--- Starting relay node ---")

	server, sErr := relay.NewServer(conf.Relay)
	go server.ServeWebsocket()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-sErr:
		log.Error(err, "relay server failed")
		return err
	case sig := <-sigs:
		log.Info("got signal, shutting down", "signal", sig.String())
		return nil
	}
}
