package main

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/otcheredev/ris-dicom-qr/internal/engine"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
)

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Search the remote archive (C-FIND)",
	Long: `Search studies, or the series of one study when --study is given.
Keys are keywords or tags, e.g. -k PatientID=123* -k 00080060=MR.
A key with an empty value is returned without filtering.`,
	Args: cobra.NoArgs,
	RunE: findMain,
}

func init() {
	flags := findCmd.Flags()
	flags.StringArrayP("key", "k", nil, "Query key as tag=value (repeatable)")
	flags.String("study", "", "Search the series of this study instead of studies")
	flags.Uint("limit", 0, "Stop after this many matches (0 means unlimited)")
}

func findMain(cmd *cobra.Command, args []string) error {
	opts, err := engineOptions()
	if err != nil {
		return err
	}
	keys, err := cmd.Flags().GetStringArray("key")
	if err != nil {
		return err
	}
	studyUID, err := cmd.Flags().GetString("study")
	if err != nil {
		return err
	}
	limit, err := cmd.Flags().GetUint("limit")
	if err != nil {
		return err
	}

	query, err := models.ParseQueryArgs(keys)
	if err != nil {
		return err
	}
	qe, err := engine.NewQueryEngine(opts, engine.Handlers{})
	if err != nil {
		return err
	}

	// Interrupting sends C-CANCEL and keeps the matches received so far.
	go func() {
		<-cmd.Context().Done()
		qe.Cancel()
	}()

	outcome, err := qe.Find(context.WithoutCancel(cmd.Context()), query, studyUID, limit)
	if err != nil {
		return errors.Wrap(err, "C-FIND failed")
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(outcome)
}
