package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/peerchat/peerchat/pkg/client"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "join a room and chat once the direct channel opens",
	RunE:  chatMain,
}

func init() {
	chatCmd.PersistentFlags().StringVarP(&conf.Client.RelayURL, "relay", "u", "ws://localhost:7000", "relay to connect to")
	chatCmd.PersistentFlags().StringVarP(&conf.Client.Room, "room", "r", "", "room id to join")
	chatCmd.PersistentFlags().StringVarP(&conf.Client.Name, "name", "n", "", "display name (generated when empty)")
	chatCmd.PersistentFlags().StringVarP(&conf.Client.Token, "token", "t", "", "jwt access token")

	rootCmd.AddCommand(chatCmd)
}

func chatMain(cmd *cobra.Command, args []string) error {
	if conf.Client.Room == "" {
		return fmt.Errorf("a room id is required (--room)")
	}

	ctx := context.Background()

	var store client.Store
	if conf.Client.Redis.Enabled {
		rs, err := client.NewRedisStore(ctx, conf.Client.Redis.Addr, conf.Client.Redis.Password, conf.Client.Redis.DB, "")
		if err != nil {
			return err
		}
		defer rs.Close()
		store = rs
	}

	session := client.NewSession(client.Options{
		RelayURL: conf.Client.RelayURL,
		Token:    conf.Client.Token,
		Store:    store,
		WebRTC:   conf.Client.WebRTCConfiguration(),
	})

	history, err := session.Start(ctx, conf.Client.Room, conf.Client.Name)
	if err != nil {
		return err
	}
	fmt.Printf("joined %q as %q\n", conf.Client.Room, session.ParticipantID())
	for _, msg := range history {
		tag := msg.SenderID
		if msg.IsSelf {
			tag = "me"
		}
		fmt.Printf("[%s] %s\n", tag, msg.Body)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			body := strings.TrimSpace(scanner.Text())
			if body == "" {
				continue
			}
			if body == "/quit" {
				session.End()
				return
			}
			if err := session.Send(body); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}()

	for {
		select {
		case sig := <-sigs:
			fmt.Printf("got %v, ending session\n", sig)
			session.End()
		case ev, ok := <-session.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case client.EventStatusChanged:
				fmt.Printf("* channel %s\n", ev.Status)
			case client.EventMessage:
				tag := ev.Message.SenderID
				if ev.Message.IsSelf {
					tag = "me"
				}
				fmt.Printf("[%s] %s\n", tag, ev.Message.Body)
			case client.EventRoomFull:
				fmt.Println("* someone tried to join, but the room is full")
			case client.EventEnded:
				if ev.ByPeer {
					fmt.Println("* session ended by peer")
				} else {
					fmt.Println("* session ended")
				}
			}
		}
	}
}
