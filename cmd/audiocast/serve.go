package main

import (
	"context"

	"github.com/skratchdot/open-golang/open"
	"github.com/spf13/cobra"
	"go2tv.app/audiocast/httphandlers"
)

func serveCommand(a *app) *cobra.Command {
	var (
		listen      string
		openBrowser bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the cast controller over socket.io and HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = a.conf.Server.Listen
			}
			return a.serve(cmd.Context(), listen, openBrowser)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default server.listen)")
	cmd.Flags().BoolVar(&openBrowser, "open", false, "open the state endpoint in the browser")

	return cmd
}

func (a *app) serve(exitCTX context.Context, listen string, openBrowser bool) error {
	m := a.newManager()
	defer m.Close(context.Background())

	s := httphandlers.NewServer(listen, m, a.logger)

	serverStarted := make(chan error)
	go s.StartServer(serverStarted)
	if err := <-serverStarted; err != nil {
		return err
	}
	defer s.StopServer()

	a.logger.Info().Str("Addr", s.Addr()).Msg("listening")

	s.Watch(exitCTX)
	m.StartDiscovery(exitCTX)

	if openBrowser {
		if err := open.Run("http://" + s.Addr() + "/api/state"); err != nil {
			a.logger.Warn().Err(err).Msg("failed to open browser")
		}
	}

	<-exitCTX.Done()
	return nil
}
