package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/music-graph-crawler/internal/graph"
)

type collaboratorsFlags struct {
	personID int64
	mbid     string
	limit    int
}

func newCollaboratorsCmd() *cobra.Command {
	var flags collaboratorsFlags
	cmd := &cobra.Command{
		Use:   "collaborators",
		Short: "List everyone who shares a song with a person",
		Long: `Prints the collaborators of a stored person as JSON, strongest first. The
person is selected by store id or by MusicBrainz artist id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCollaborators(cmd, flags)
		},
	}
	cmd.Flags().Int64Var(&flags.personID, "person-id", 0, "store id of the root person")
	cmd.Flags().StringVar(&flags.mbid, "mbid", "", "MusicBrainz artist id of the root person")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "print at most this many collaborators (0 for all)")
	cmd.MarkFlagsOneRequired("person-id", "mbid")
	cmd.MarkFlagsMutuallyExclusive("person-id", "mbid")
	return cmd
}

func runCollaborators(cmd *cobra.Command, flags collaboratorsFlags) error {
	app, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if flags.limit < 0 {
		return errors.New("--limit must be >= 0")
	}
	var out []graph.Collaboration
	if flags.mbid != "" {
		out, err = app.CollaboratorsByCanonicalID(cmd.Context(), flags.mbid)
	} else {
		if flags.personID <= 0 {
			return errors.New("--person-id must be positive")
		}
		out, err = app.Collaborators(cmd.Context(), flags.personID)
	}
	if err != nil {
		return fmt.Errorf("collaborators: %w", err)
	}
	if flags.limit > 0 && len(out) > flags.limit {
		out = out[:flags.limit]
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
