package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/northstarlabs/notesync/internal/config"
	"github.com/northstarlabs/notesync/internal/notes"
	"github.com/northstarlabs/notesync/internal/queue"
	"github.com/northstarlabs/notesync/internal/store"
)

var noteCmd = &cobra.Command{
	Use:   "note",
	Short: "Create, list and delete notes locally",
	Long: `Work with the local notes database. Mutations commit locally right
away and are queued for the next sync, so these commands work offline.`,
}

var noteGroupID string

var noteAddCmd = &cobra.Command{
	Use:   "add <title> [content...]",
	Short: "Create a note",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, db, err := openNotesService()
		if err != nil {
			return err
		}
		defer db.Close()

		content := strings.Join(args[1:], " ")
		note, err := svc.CreateNote(context.Background(), noteGroupID, args[0], content)
		if err != nil {
			return err
		}

		fmt.Printf("%s Created note %s\n", renderSuccess("✓"), renderAccent(note.ID))
		return nil
	},
}

var noteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		all, err := db.ListNotes(context.Background(), cfg.UserID)
		if err != nil {
			return err
		}

		shown := 0
		for _, n := range all {
			if n.IsDeleted {
				continue
			}
			title := n.Title
			if title == "" {
				title = renderDim("(untitled)")
			}
			fmt.Printf("%s  %s %s\n", renderDim(shortID(n.ID)), title,
				renderDim(fmt.Sprintf("v%d %s", n.Version, n.UpdatedAt.Local().Format("2006-01-02 15:04"))))
			shown++
		}
		if shown == 0 {
			fmt.Println(renderDim("No notes."))
		}
		return nil
	},
}

var noteRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, db, err := openNotesService()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := svc.DeleteNote(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Deleted note %s\n", renderSuccess("✓"), args[0])
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Create and list note groups",
}

var groupColor string

var groupAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, db, err := openNotesService()
		if err != nil {
			return err
		}
		defer db.Close()

		group, err := svc.CreateGroup(context.Background(), args[0], groupColor, 0)
		if err != nil {
			return err
		}
		fmt.Printf("%s Created group %s\n", renderSuccess("✓"), renderAccent(group.ID))
		return nil
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		groups, err := db.ListGroups(context.Background(), cfg.UserID)
		if err != nil {
			return err
		}

		shown := 0
		for _, g := range groups {
			if g.IsDeleted {
				continue
			}
			fmt.Printf("%s  %s\n", renderDim(shortID(g.ID)), g.Name)
			shown++
		}
		if shown == 0 {
			fmt.Println(renderDim("No groups."))
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func openStore() (*config.Config, *store.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return cfg, db, nil
}

func openNotesService() (*notes.Service, *store.DB, error) {
	cfg, db, err := openStore()
	if err != nil {
		return nil, nil, err
	}
	if cfg.UserID == "" {
		_ = db.Close()
		return nil, nil, fmt.Errorf("user_id is not configured (run 'notesync init')")
	}

	q := queue.New(db.RawDB())
	return notes.NewService(db, q, cfg.UserID, nil), db, nil
}

func init() {
	noteAddCmd.Flags().StringVar(&noteGroupID, "group", "", "group id for the new note")
	groupAddCmd.Flags().StringVar(&groupColor, "color", "", "display color, e.g. #ff8800")

	noteCmd.AddCommand(noteAddCmd)
	noteCmd.AddCommand(noteListCmd)
	noteCmd.AddCommand(noteRmCmd)
	groupCmd.AddCommand(groupAddCmd)
	groupCmd.AddCommand(groupListCmd)
}
