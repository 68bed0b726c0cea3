package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/pairline/pairline/internal/config"
	"github.com/pairline/pairline/internal/domain"
	"github.com/pairline/pairline/internal/gateway"
)

func newSendCmd() *cobra.Command {
	var (
		from  string
		name  string
		to    string
		token string
		port  int
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send a message through a running pairline server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args, " ")

			cfg, err := config.Load(paths.Config)
			if err != nil {
				return err
			}
			if port == 0 {
				port = cfg.Gateway.Port
			}
			if token == "" {
				token = gateway.ResolveAuth(cfg.Gateway.Auth).Token
			}
			if from == "" {
				return fmt.Errorf("--as is required")
			}
			if to == "" {
				return fmt.Errorf("--to is required")
			}

			url := fmt.Sprintf("ws://127.0.0.1:%d/ws", port)
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", url, err)
			}
			defer conn.Close()

			// Challenge arrives first
			var challenge gateway.Frame
			if err := conn.ReadJSON(&challenge); err != nil {
				return fmt.Errorf("reading challenge: %w", err)
			}

			connectReq, err := gateway.NewRequest("connect-1", "connect", gateway.ConnectParams{
				Username:    from,
				DisplayName: name,
				With:        to,
				Auth:        &gateway.ConnectAuth{Token: token},
			})
			if err != nil {
				return err
			}
			if err := conn.WriteJSON(connectReq); err != nil {
				return fmt.Errorf("sending connect: %w", err)
			}

			if _, err := awaitFrame(conn, "connect-1"); err != nil {
				return err
			}

			sendReq, err := gateway.NewRequest("send-1", "message.send", map[string]string{
				"to":      to,
				"content": content,
			})
			if err != nil {
				return err
			}
			if err := conn.WriteJSON(sendReq); err != nil {
				return fmt.Errorf("sending message: %w", err)
			}

			resp, err := awaitFrame(conn, "send-1")
			if err != nil {
				return err
			}

			var msg domain.Message
			if err := json.Unmarshal(resp.Payload, &msg); err != nil {
				return err
			}
			if msg.ReadAt != nil {
				fmt.Printf("Delivered to %s (read)\n", msg.RecipientUsername)
			} else {
				fmt.Printf("Delivered to %s\n", msg.RecipientUsername)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "as", "", "username to send as")
	cmd.Flags().StringVar(&name, "name", "", "display name for first-time users")
	cmd.Flags().StringVar(&to, "to", "", "recipient username")
	cmd.Flags().StringVar(&token, "token", "", "gateway auth token (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "gateway port (default from config)")

	return cmd
}

// awaitFrame reads frames until the response for reqID arrives, skipping
// any events the server pushes in between. Error responses become errors.
func awaitFrame(conn *websocket.Conn, reqID string) (gateway.Frame, error) {
	for {
		var f gateway.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return gateway.Frame{}, err
		}
		if f.Type != gateway.FrameTypeResponse || f.ID != reqID {
			continue
		}
		if f.Error != nil {
			return gateway.Frame{}, fmt.Errorf("%s: %s", f.Error.Code, f.Error.Message)
		}
		return f, nil
	}
}
