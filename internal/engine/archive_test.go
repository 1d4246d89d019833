package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

type archiveSeries struct {
	uid   string
	files int
}

type archiveStudy struct {
	uid       string
	patientID string
	series    []archiveSeries
}

// testArchive is a minimal PACS answering C-ECHO, C-FIND and C-MOVE. Moves
// are served by opening a store association back to the requestor.
type testArchive struct {
	t       *testing.T
	port    int
	studies []archiveStudy

	// destination of C-MOVE sub-operations
	destAET  string
	destPort int

	// abortAfter aborts a C-FIND after that many matches.
	abortAfter int
	// failSeries makes a C-MOVE of that series fail without storing.
	failSeries string
	// cancelWindow is how long the archive waits for a C-CANCEL between
	// sub-operations.
	cancelWindow time.Duration
	// silentMove makes the archive accept a C-MOVE and never answer it,
	// not even a C-CANCEL.
	silentMove bool

	findCancels atomic.Int32
	moveCancels atomic.Int32
	moves       atomic.Int32
	stored      atomic.Int32
}

func archiveConfig() dimse.AssociationConfig {
	logger := zerolog.Nop()
	return dimse.AssociationConfig{
		CallingAETitle: "ARCHIVE",
		ConnectTimeout: 2 * time.Second,
		ACSETimeout:    2 * time.Second,
		DIMSETimeout:   5 * time.Second,
		PollInterval:   10 * time.Millisecond,
		CancelGrace:    time.Second,
		Logger:         &logger,
	}
}

func startArchive(t *testing.T, studies ...archiveStudy) *testArchive {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	archive := &testArchive{
		t:            t,
		port:         ln.Addr().(*net.TCPAddr).Port,
		studies:      studies,
		destAET:      "RIS_QR",
		cancelWindow: 150 * time.Millisecond,
	}

	var wg sync.WaitGroup
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				archive.serve(conn)
			}()
		}
	}()
	return archive
}

func (s *testArchive) remote() models.RemoteEndpoint {
	return models.RemoteEndpoint{AETitle: "ARCHIVE", Host: "127.0.0.1", Port: s.port}
}

func (s *testArchive) serve(conn net.Conn) {
	a, err := dimse.AcceptAssociation(conn, archiveConfig(), dimse.AcceptPolicy{
		AETitle:             "ARCHIVE",
		StrictCalledAETitle: true,
		AbstractSyntaxes:    func(string) bool { return true },
		TransferSyntaxes:    dimse.QueryTransferSyntaxes,
	})
	if err != nil {
		return
	}
	defer a.Abort()

	ctx := context.Background()
	for {
		msg, err := a.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		switch msg.Command.CommandField {
		case dimse.CEchoRQ:
			a.SendMessage(msg.ContextID, &dimse.Command{
				CommandField:              dimse.CEchoRSP,
				MessageIDBeingRespondedTo: msg.Command.MessageID,
				AffectedSOPClassUID:       dimse.VerificationSOPClass,
				Status:                    dimse.StatusSuccess,
			}, nil)
		case dimse.CFindRQ:
			if !s.serveFind(a, msg) {
				return
			}
		case dimse.CMoveRQ:
			s.serveMove(a, msg)
		case dimse.CCancelRQ:
			// Arrived after the final response.
		default:
			return
		}
	}
}

func (s *testArchive) identifier(a *dimse.Association, msg *dimse.Message) (*dimse.Dataset, string) {
	pc, _ := a.PresentationContext(msg.ContextID)
	ds, err := dimse.Decode(msg.Data, pc.TransferSyntax)
	if err != nil {
		s.t.Errorf("archive: decode identifier: %v", err)
		return dimse.NewDataset(), pc.TransferSyntax
	}
	return ds, pc.TransferSyntax
}

func matches(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(value, prefix)
	}
	return pattern == value
}

// serveFind answers a C-FIND. It returns false when the association was
// aborted.
func (s *testArchive) serveFind(a *dimse.Association, msg *dimse.Message) bool {
	identifier, ts := s.identifier(a, msg)
	rsp := func(status uint16, data []byte) {
		a.SendMessage(msg.ContextID, &dimse.Command{
			CommandField:              dimse.CFindRSP,
			MessageIDBeingRespondedTo: msg.Command.MessageID,
			AffectedSOPClassUID:       dimse.StudyRootFindSOPClass,
			Status:                    status,
		}, data)
	}

	var results []*dimse.Dataset
	switch identifier.GetString(dimse.TagQueryRetrieveLevel) {
	case dimse.LevelStudy:
		for _, study := range s.studies {
			if !matches(identifier.GetString(dimse.TagPatientID), study.patientID) {
				continue
			}
			ds := dimse.NewDataset()
			ds.Set(dimse.TagQueryRetrieveLevel, dimse.LevelStudy)
			ds.Set(dimse.TagStudyInstanceUID, study.uid)
			ds.Set(dimse.TagPatientID, study.patientID)
			ds.Set(dimse.TagPatientName, "DOE^JOHN")
			ds.Set(dimse.TagModalitiesInStudy, "CT")
			ds.Set(dimse.TagNumberOfStudySeries, strconv.Itoa(len(study.series)))
			results = append(results, ds)
		}
	case dimse.LevelSeries:
		studyUID := identifier.GetString(dimse.TagStudyInstanceUID)
		for _, study := range s.studies {
			if study.uid != studyUID {
				continue
			}
			for i, series := range study.series {
				ds := dimse.NewDataset()
				ds.Set(dimse.TagQueryRetrieveLevel, dimse.LevelSeries)
				ds.Set(dimse.TagStudyInstanceUID, study.uid)
				ds.Set(dimse.TagSeriesInstanceUID, series.uid)
				ds.Set(dimse.TagModality, "CT")
				ds.Set(dimse.TagSeriesNumber, strconv.Itoa(i+1))
				ds.Set(dimse.TagNumberOfSeriesInstances, strconv.Itoa(series.files))
				results = append(results, ds)
			}
		}
	}

	for i, ds := range results {
		data, err := ds.Encode(ts)
		if err != nil {
			s.t.Errorf("archive: encode match: %v", err)
			return false
		}
		rsp(dimse.StatusPending, data)
		if s.abortAfter > 0 && i+1 == s.abortAfter {
			a.Abort()
			return false
		}
	}

	// Give the requestor a chance to cancel before finishing.
	waitCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	next, err := a.ReceiveMessage(waitCtx)
	switch {
	case err == nil && next.Command.CommandField == dimse.CCancelRQ:
		s.findCancels.Inc()
		rsp(dimse.StatusCancel, nil)
	case errors.Is(err, context.DeadlineExceeded):
		rsp(dimse.StatusSuccess, nil)
	default:
		return false
	}
	return true
}

func (s *testArchive) serveMove(a *dimse.Association, msg *dimse.Message) {
	s.moves.Inc()
	if s.silentMove {
		s.ignoreMove(a)
		return
	}
	identifier, _ := s.identifier(a, msg)
	studyUID := identifier.GetString(dimse.TagStudyInstanceUID)
	seriesUID := identifier.GetString(dimse.TagSeriesInstanceUID)

	u := func(v int) *uint16 {
		n := uint16(v)
		return &n
	}
	rsp := func(status uint16, remaining *uint16, completed, failed int, comment string) {
		a.SendMessage(msg.ContextID, &dimse.Command{
			CommandField:              dimse.CMoveRSP,
			MessageIDBeingRespondedTo: msg.Command.MessageID,
			AffectedSOPClassUID:       dimse.StudyRootMoveSOPClass,
			Status:                    status,
			ErrorComment:              comment,
			Remaining:                 remaining,
			Completed:                 u(completed),
			Failed:                    u(failed),
			Warning:                   u(0),
		}, nil)
	}

	if seriesUID != "" && seriesUID == s.failSeries {
		rsp(dimse.StatusMoveOutOfResources, nil, 0, 0, "unable to calculate number of matches")
		return
	}
	if msg.Command.MoveDestination != s.destAET {
		rsp(dimse.StatusMoveDestinationUnknown, nil, 0, 0, "")
		return
	}

	type object struct {
		study, series, sop string
	}
	var objects []object
	for _, study := range s.studies {
		if study.uid != studyUID {
			continue
		}
		for _, series := range study.series {
			if seriesUID != "" && series.uid != seriesUID {
				continue
			}
			for i := 1; i <= series.files; i++ {
				objects = append(objects, object{study.uid, series.uid, fmt.Sprintf("%s.%d", series.uid, i)})
			}
		}
	}

	cfg := archiveConfig()
	cfg.CalledAETitle = s.destAET
	ep, _ := dimse.OpenEndpoint(dimse.RoleSCU, 0, nil)
	store, err := ep.RequestAssociation(context.Background(), net.JoinHostPort("127.0.0.1", strconv.Itoa(s.destPort)), cfg,
		dimse.NewPresentationContexts([]string{dimse.CTImageStorage}, []string{dimse.ExplicitVRLittleEndian}))
	if err != nil {
		rsp(dimse.StatusMoveDestinationUnknown, nil, 0, len(objects), err.Error())
		return
	}
	defer store.Release()
	pcID, _ := store.FindAcceptedPresentationContext(dimse.CTImageStorage)

	completed, failed, cancelled := 0, 0, false
	for i, obj := range objects {
		if i > 0 {
			pollCtx, cancel := context.WithTimeout(context.Background(), s.cancelWindow)
			next, err := a.ReceiveMessage(pollCtx)
			cancel()
			if err == nil && next.Command.CommandField == dimse.CCancelRQ {
				s.moveCancels.Inc()
				cancelled = true
				break
			}
		}

		ds := dimse.NewDataset()
		ds.Set(dimse.TagSOPClassUID, dimse.CTImageStorage)
		ds.Set(dimse.TagSOPInstanceUID, obj.sop)
		ds.Set(dimse.TagStudyInstanceUID, obj.study)
		ds.Set(dimse.TagSeriesInstanceUID, obj.series)
		ds.Set(dimse.TagModality, "CT")
		ds.Set(dimse.TagImageType, `ORIGINAL\PRIMARY\AXIAL`)
		ds.SetBytes(dimse.TagPixelData, "OW", make([]byte, 512))
		data, _ := ds.Encode(dimse.ExplicitVRLittleEndian)

		err := store.SendMessage(pcID, &dimse.Command{
			CommandField:            dimse.CStoreRQ,
			MessageID:               uint16(i + 1),
			AffectedSOPClassUID:     dimse.CTImageStorage,
			AffectedSOPInstanceUID:  obj.sop,
			MoveOriginatorAETitle:   a.CallingAETitle(),
			MoveOriginatorMessageID: msg.Command.MessageID,
		}, data)
		if err != nil {
			failed++
			continue
		}
		ack, err := store.ReceiveMessage(context.Background())
		if err != nil || ack.Command.Status != dimse.StatusSuccess {
			failed++
		} else {
			completed++
			s.stored.Inc()
		}
		rsp(dimse.StatusPending, u(len(objects)-i-1), completed, failed, "")
	}

	switch {
	case cancelled:
		rsp(dimse.StatusCancel, u(len(objects)-completed-failed), completed, failed, "")
	case failed > 0:
		rsp(dimse.StatusWarningCoercion, nil, completed, failed, "")
	default:
		rsp(dimse.StatusSuccess, nil, completed, failed, "")
	}
}

// ignoreMove reads until the requestor goes away, counting C-CANCELs
// without acknowledging them.
func (s *testArchive) ignoreMove(a *dimse.Association) {
	for {
		next, err := a.ReceiveMessage(context.Background())
		if err != nil {
			return
		}
		if next.Command.CommandField == dimse.CCancelRQ {
			s.moveCancels.Inc()
		}
	}
}

// freePort returns a loopback port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testOptions(archive *testArchive, localPort int) Options {
	logger := zerolog.Nop()
	return Options{
		Remote:            archive.remote(),
		Local:             models.LocalIdentity{AETitle: "RIS_QR", Port: localPort},
		ConnectTimeout:    2 * time.Second,
		ACSETimeout:       2 * time.Second,
		DIMSETimeout:      3 * time.Second,
		PollInterval:      10 * time.Millisecond,
		CancelGrace:       time.Second,
		StoreDrainTimeout: time.Second,
		Logger:            &logger,
	}
}
