package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go2tv.app/audiocast/cast"
	"go2tv.app/audiocast/interactive"
)

var errNotConnected = errors.New("receiver did not connect")

type castFlags struct {
	device   string
	wait     time.Duration
	noUI     bool
	book     cast.Audiobook
	position time.Duration
	duration time.Duration
}

func castCommand(a *app) *cobra.Command {
	var f castFlags

	cmd := &cobra.Command{
		Use:   "cast",
		Short: "Cast an audiobook stream to a receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.cast(cmd.Context(), f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.device, "device", "", "receiver ID or name, as printed by discover")
	flags.StringVar(&f.book.StreamURL, "url", "", "HTTP URL of the audio stream")
	flags.StringVar(&f.book.Title, "title", "", "book title")
	flags.StringVar(&f.book.Author, "author", "", "book author")
	flags.StringVar(&f.book.CoverURL, "cover", "", "HTTP URL of the cover image")
	flags.StringVar(&f.book.ContentType, "content-type", "", "MIME type of the stream (sniffed when empty)")
	flags.DurationVar(&f.position, "position", 0, "start position, e.g. 1h2m")
	flags.DurationVar(&f.duration, "duration", 0, "total length of the book")
	flags.DurationVar(&f.wait, "wait", 15*time.Second, "how long to look for the receiver")
	flags.BoolVar(&f.noUI, "no-ui", false, "do not open the interactive screen")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func (a *app) cast(ctx context.Context, f castFlags) error {
	exitCTX, cancel := context.WithCancel(ctx)
	defer cancel()

	m := a.newManager()
	defer m.Close(context.Background())

	waitCTX, waitCancel := context.WithTimeout(exitCTX, f.wait)
	m.StartDiscovery(exitCTX)
	d, err := waitForDevice(waitCTX, m, f.device)
	waitCancel()
	m.StopDiscovery()
	if err != nil {
		return err
	}

	a.logger.Info().Str("Device", d.ID).Str("Name", d.Name).Msg("connecting")
	m.ConnectToDevice(exitCTX, d)
	if st := m.State().Get(); st.Connection != cast.Connected {
		if st.Error != "" {
			return fmt.Errorf("cast: %w: %s", errNotConnected, st.Error)
		}
		return fmt.Errorf("cast: %s: %w", d.ID, errNotConnected)
	}

	book := f.book
	book.PositionSeconds = int64(f.position.Seconds())
	book.DurationSeconds = int64(f.duration.Seconds())
	if book.Title == "" {
		book.Title = book.StreamURL
	}
	m.CastAudiobook(exitCTX, book)

	if f.noUI {
		<-exitCTX.Done()
		return nil
	}

	scr, err := interactive.InitCastScreen(m, cancel)
	if err != nil {
		return err
	}

	scrErr := make(chan error, 1)
	go scr.InterInit(exitCTX, book.Title, scrErr)

	select {
	case err := <-scrErr:
		return err
	case <-exitCTX.Done():
		scr.Fini()
		return nil
	}
}
