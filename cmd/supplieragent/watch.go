package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v3"

	"github.com/example/agrilink/internal/config"
	"github.com/example/agrilink/internal/presence/channel"
	"github.com/example/agrilink/internal/presence/viewer"
)

// RunWatch mirrors the active supplier list and reprints it on every change.
func RunWatch(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadAgent(viper.New(), cmd.String(ConfigFlag))
	if err != nil {
		return err
	}
	if cmd.IsSet(ServerURLFlag) {
		cfg.ServerURL = cmd.String(ServerURLFlag)
	}
	if cmd.IsSet(TokenFlag) {
		cfg.Token = cmd.String(TokenFlag)
	}
	if cfg.ServerURL == "" {
		return config.ErrMissingServerURL
	}

	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.ServerURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.ServerURL, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	raw, err := channel.EncodeInbound(channel.GetActiveCmd{})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("request active list: %w", err)
	}

	mirror := viewer.NewMirror()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		frame, err := channel.DecodeOutbound(raw)
		if err != nil {
			continue
		}
		mirror.Apply(frame)
		printMirror(mirror)
	}
}

func printMirror(m *viewer.Mirror) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "\n%s\n", time.Now().Format(time.TimeOnly))
	fmt.Fprintln(w, "SUPPLIER\tNAME\tAREA\tLAT\tLNG\tACTIVE\tUPDATED")
	for _, s := range m.Snapshot() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.5f\t%.5f\t%t\t%s\n",
			s.SupplierID, s.Username, s.ServiceArea, s.Latitude, s.Longitude, s.IsActive, s.LastUpdated.Format(time.TimeOnly))
	}
	if msg := m.LastError(); msg != "" {
		fmt.Fprintf(w, "last error: %s\n", msg)
	}
	_ = w.Flush()
}
