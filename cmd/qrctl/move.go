package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/otcheredev/ris-dicom-qr/internal/cache"
	"github.com/otcheredev/ris-dicom-qr/internal/engine"
	"github.com/otcheredev/ris-dicom-qr/internal/importer"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/internal/storage"
	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

var moveCmd = &cobra.Command{
	Use:   "move",
	Short: "Retrieve a study or some of its series (C-MOVE)",
	Long: `Retrieve a whole study, or only the given series, into the storage
root. The archive must know the local AE title as a move destination that
points at --local-port on this host.`,
	Args: cobra.NoArgs,
	RunE: moveMain,
}

func init() {
	flags := moveCmd.Flags()
	flags.String("study", "", "Study Instance UID to retrieve")
	flags.StringArray("series", nil, "Series Instance UID to retrieve (repeatable); omit for the whole study")
	flags.Bool("import", false, "Read back the received files once the retrieve finishes")
	flags.Bool("original-only", false, "With --import, skip derived images")
	flags.Bool("no-localizer", false, "With --import, skip localizers")
	if err := moveCmd.MarkFlagRequired("study"); err != nil {
		panic(err)
	}
}

// moveTargets turns the flags into retrieve targets: one per series, or the
// study itself.
func moveTargets(studyUID string, seriesUIDs []string) []models.RetrieveTarget {
	if len(seriesUIDs) == 0 {
		return []models.RetrieveTarget{{Level: dimse.LevelStudy, StudyInstanceUID: studyUID}}
	}
	targets := make([]models.RetrieveTarget, 0, len(seriesUIDs))
	for _, uid := range seriesUIDs {
		targets = append(targets, models.RetrieveTarget{
			Level:             dimse.LevelSeries,
			StudyInstanceUID:  studyUID,
			SeriesInstanceUID: uid,
		})
	}
	return targets
}

type summaryRecorder struct {
	summary engine.RetrieveSummary
}

func (s *summaryRecorder) OnRetrieveComplete(summary engine.RetrieveSummary) {
	s.summary = summary
}

type storeLogger struct{}

func (storeLogger) OnStoreReceived(file engine.StoredFile) {
	log.Debug().Str("path", file.Path).Str("calling_ae", file.CallingAETitle).Msg("Stored")
}

func moveMain(cmd *cobra.Command, args []string) error {
	opts, err := engineOptions()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	studyUID, _ := flags.GetString("study")
	seriesUIDs, _ := flags.GetStringArray("series")
	doImport, _ := flags.GetBool("import")
	originalOnly, _ := flags.GetBool("original-only")
	noLocalizer, _ := flags.GetBool("no-localizer")

	c := cache.NewMemoryCache()
	defer c.Close()
	layout := storage.NewLayout(viper.GetString("dicom.storage_root"), c)

	status := engine.NewStatusChannel()
	recorder := &summaryRecorder{}
	re, err := engine.NewRetrieveEngine(opts, layout, status, engine.Handlers{
		Store:    storeLogger{},
		Retrieve: recorder,
	})
	if err != nil {
		return err
	}
	for _, target := range moveTargets(studyUID, seriesUIDs) {
		if _, err := re.Enqueue(target); err != nil {
			return err
		}
	}

	// The loop runs on its own context; an interrupt cancels the run and
	// the loop still reports what it received.
	re.StartBackgroundRetrieve(context.Background())
	go func() {
		<-cmd.Context().Done()
		re.CancelAll()
	}()
	if err := re.Wait(context.Background()); err != nil {
		return err
	}
	summary := recorder.summary

	if doImport && len(summary.Directories) > 0 {
		imp := importer.NewDicomImporter()
		importOpts := importer.ImportOptions{RequireOriginal: originalOnly, ExcludeLocalizer: noLocalizer}
		total := 0
		for _, dir := range summary.Directories {
			n, err := imp.ImportDirectory(context.Background(), dir, importOpts)
			if err != nil {
				return errors.Wrapf(err, "import of %s failed", dir)
			}
			total += n
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Imported %d files\n", total)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return err
	}
	return summaryError(summary)
}

// summaryError reports the first failed target so the exit status reflects
// a partial retrieve.
func summaryError(summary engine.RetrieveSummary) error {
	if summary.Cancelled {
		return errors.New("retrieve cancelled")
	}
	for _, o := range summary.Outcomes {
		if o.State == engine.StateFailed {
			return errors.Errorf("retrieve of %s failed: %s", o.Target.Describe(), o.Error)
		}
	}
	return nil
}
