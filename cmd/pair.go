package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nanogridbot/ngb/internal/router"
	"github.com/nanogridbot/ngb/internal/store"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage workspace pairing tokens",
	}

	cmd.AddCommand(pairNewCmd())
	cmd.AddCommand(pairListCmd())

	return cmd
}

func pairNewCmd() *cobra.Command {
	var (
		folder string
		name   string
	)
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Mint a single-use pairing token for a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := router.ValidateFolder(folder); err != nil {
				return err
			}
			return withStore(func(ctx context.Context, db store.Store) error {
				ws, err := db.GetWorkspaceByFolder(ctx, folder)
				if err != nil {
					return err
				}
				if ws == nil {
					if name == "" {
						name = folder
					}
					ws = &store.Workspace{
						ID:        uuid.NewString(),
						Name:      name,
						Folder:    folder,
						CreatedAt: time.Now().UTC(),
					}
					if err := db.CreateWorkspace(ctx, ws); err != nil {
						return err
					}
					fmt.Printf("workspace %q created (%s)\n", folder, ws.ID)
				}

				tok := &store.AccessToken{
					Token:       uuid.NewString(),
					WorkspaceID: ws.ID,
					CreatedAt:   time.Now().UTC(),
				}
				if err := db.CreateToken(ctx, tok); err != nil {
					return err
				}

				fmt.Printf("token: %s\n", tok.Token)
				fmt.Printf("Pair a chat by sending:  /pair %s\n", tok.Token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&folder, "workspace", "", "workspace folder to bind chats to")
	cmd.Flags().StringVar(&name, "name", "", "display name for a newly created workspace")
	cmd.MarkFlagRequired("workspace")
	return cmd
}

func pairListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workspaces with their tokens and bindings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, db store.Store) error {
				workspaces, err := db.ListWorkspaces(ctx)
				if err != nil {
					return err
				}
				if len(workspaces) == 0 {
					fmt.Println("no workspaces")
					return nil
				}

				bindings, err := db.ListBindings(ctx)
				if err != nil {
					return err
				}
				bound := make(map[string][]string)
				for _, b := range bindings {
					bound[b.WorkspaceID] = append(bound[b.WorkspaceID], b.ChannelJID)
				}

				for _, ws := range workspaces {
					fmt.Printf("%s (%s)\n", ws.Folder, ws.Name)
					tokens, err := db.ListTokens(ctx, ws.ID)
					if err != nil {
						return err
					}
					for _, t := range tokens {
						status := "unused"
						if t.Used {
							status = "used"
						}
						fmt.Printf("  token %s  %s\n", t.Token, status)
					}
					for _, jid := range bound[ws.ID] {
						fmt.Printf("  bound %s\n", jid)
					}
				}
				return nil
			})
		},
	}
}
