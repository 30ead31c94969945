package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"node.town/scribe/session"
)

var sendCmd = &cobra.Command{
	Use:   "send <url> <file>...",
	Short: "Send audio files as fragments and print the replies",
	Long: `Send connects to a running server, sends each file as one fragment in
order and prints one reply per file as it arrives.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		raw, _ := cmd.Flags().GetBool("raw")
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		return sendFiles(ctx, args[0], args[1:], raw, cmd.OutOrStdout())
	},
}

func init() {
	sendCmd.Flags().Duration("timeout", 5*time.Minute, "Give up waiting for replies after this long")
	sendCmd.Flags().Bool("raw", false, "Print replies as raw JSON")
}

func sendFiles(ctx context.Context, url string, files []string, raw bool, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for _, name := range files {
			data, err := os.ReadFile(name)
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return fmt.Errorf("send %s: %w", name, err)
			}
		}
		return nil
	})

	g.Go(func() error {
		for i := range files {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return fmt.Errorf("read reply %d: %w", i+1, err)
			}
			if raw {
				fmt.Fprintln(out, string(data))
				continue
			}
			var reply session.Reply
			if err := json.Unmarshal(data, &reply); err != nil {
				return fmt.Errorf("decode reply %d: %w", i+1, err)
			}
			fmt.Fprintf(out, "%s\t%s\n", files[i], strings.Join(reply.Transcription, " "))
		}
		return nil
	})

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// unblocks the reader once the deadline passes or a side fails
			conn.Close()
		case <-stop:
		}
	}()

	err = g.Wait()
	close(stop)
	if err != nil {
		return err
	}
	// best effort: the connection may already be closed by now
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
