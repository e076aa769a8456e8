package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prismer-ai/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// hide
	hidePIN string

	// open
	openPIN string
)

func init() {
	hideCmd.Flags().StringVar(&hidePIN, "pin", "", "4-digit PIN required to open the conversation later")
	_ = hideCmd.MarkFlagRequired("pin")
	openCmd.Flags().StringVar(&openPIN, "pin", "", "PIN of a hidden conversation")

	rootCmd.AddCommand(pinCmd, unpinCmd, muteCmd, unmuteCmd, hideCmd, unhideCmd, openCmd)
}

// withEngine opens a short-lived session and runs fn against its engine.
func withEngine(fn func(ctx context.Context, e *chatsync.Engine) error) error {
	cfg, err := requireAuth()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := openSession(ctx, cfg, newLogger(), nil)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s.engine)
}

// explain turns engine errors into short user-facing messages.
func explain(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chatsync.ErrPinLimitExceeded):
		return fmt.Errorf("you can pin at most %d conversations", chatsync.MaxPinned)
	case errors.Is(err, chatsync.ErrMutationTimeout):
		return errors.New("the server did not answer in time, the change was rolled back")
	case errors.Is(err, chatsync.ErrTransportDisconnected):
		return errors.New("not connected to the server")
	}
	return err
}

// ============================================================================
// pin / unpin
// ============================================================================

var pinCmd = &cobra.Command{
	Use:   "pin <conversation-id>",
	Short: "Pin a conversation to the top of the list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *chatsync.Engine) error {
			if err := e.Pin(ctx, args[0]); err != nil {
				return explain(err)
			}
			fmt.Printf("Conversation %s pinned (%d/%d).\n", args[0], len(e.PinnedOrder()), chatsync.MaxPinned)
			return nil
		})
	},
}

var unpinCmd = &cobra.Command{
	Use:   "unpin <conversation-id>",
	Short: "Unpin a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *chatsync.Engine) error {
			if err := e.Unpin(ctx, args[0]); err != nil {
				return explain(err)
			}
			fmt.Printf("Conversation %s unpinned.\n", args[0])
			return nil
		})
	},
}

// ============================================================================
// mute / unmute
// ============================================================================

var muteCmd = &cobra.Command{
	Use:       "mute <conversation-id> <1h|8h|1w|always>",
	Short:     "Mute a conversation",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{string(chatsync.MuteOneHour), string(chatsync.MuteEightHours), string(chatsync.MuteOneWeek), string(chatsync.MuteAlways)},
	RunE: func(cmd *cobra.Command, args []string) error {
		d := chatsync.MuteDuration(args[1])
		switch d {
		case chatsync.MuteOneHour, chatsync.MuteEightHours, chatsync.MuteOneWeek, chatsync.MuteAlways:
		default:
			return fmt.Errorf("unknown mute duration %q (valid: 1h, 8h, 1w, always)", args[1])
		}
		return withEngine(func(ctx context.Context, e *chatsync.Engine) error {
			if err := e.Mute(ctx, args[0], d); err != nil {
				return explain(err)
			}
			fmt.Printf("Conversation %s muted (%s).\n", args[0], d)
			return nil
		})
	},
}

var unmuteCmd = &cobra.Command{
	Use:   "unmute <conversation-id>",
	Short: "Unmute a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *chatsync.Engine) error {
			if err := e.Unmute(ctx, args[0]); err != nil {
				return explain(err)
			}
			fmt.Printf("Conversation %s unmuted.\n", args[0])
			return nil
		})
	},
}

// ============================================================================
// hide / unhide / open
// ============================================================================

var hideCmd = &cobra.Command{
	Use:   "hide <conversation-id> --pin <4 digits>",
	Short: "Hide a conversation behind a PIN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !chatsync.ValidPIN(hidePIN) {
			return errors.New("--pin must be exactly 4 digits")
		}
		return withEngine(func(ctx context.Context, e *chatsync.Engine) error {
			if err := e.SetHidden(ctx, args[0], true, hidePIN); err != nil {
				return explain(err)
			}
			fmt.Printf("Conversation %s hidden.\n", args[0])
			return nil
		})
	},
}

var unhideCmd = &cobra.Command{
	Use:   "unhide <conversation-id>",
	Short: "Show a hidden conversation in the list again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *chatsync.Engine) error {
			if err := e.SetHidden(ctx, args[0], false, ""); err != nil {
				return explain(err)
			}
			fmt.Printf("Conversation %s is visible again.\n", args[0])
			return nil
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <conversation-id> [--pin <4 digits>]",
	Short: "Show a conversation, verifying the PIN if it is hidden",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *chatsync.Engine) error {
			c, err := e.Open(args[0])
			if errors.Is(err, chatsync.ErrPINRequired) {
				if openPIN == "" {
					return errors.New("conversation is hidden, pass --pin")
				}
				c, err = e.VerifyPin(ctx, args[0], openPIN)
				if errors.Is(err, chatsync.ErrInvalidPIN) {
					return errors.New("incorrect PIN")
				}
			}
			if err != nil {
				return explain(err)
			}

			fmt.Printf("Conversation: %s\n", c.ID)
			if c.Name != "" {
				fmt.Printf("  Name:         %s\n", c.Name)
			}
			fmt.Printf("  Group:        %v\n", c.IsGroup)
			fmt.Printf("  Participants: %d\n", len(c.Participants))
			if c.LastMessage != nil {
				fmt.Printf("  Last message: %s (%s)\n", c.LastMessage.Content, c.LastMessage.CreatedAt.Format(time.RFC3339))
			}
			return nil
		})
	},
}
