// Package ingest turns parameter files dropped into the watch folder into
// jobs. Each .set file may carry a .meta.json sidecar with attribution;
// without one the symbol, timeframe and EA name are parsed from the file
// name itself.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/philiplau114/PocketFlowProject/config"
	"github.com/philiplau114/PocketFlowProject/errors"
	"github.com/philiplau114/PocketFlowProject/notify"
	"github.com/philiplau114/PocketFlowProject/store"
)

const (
	setExt     = ".set"
	sidecarExt = ".meta.json"

	defaultPriority = 10
)

// SidecarMeta mirrors the .meta.json sidecar dropped next to a set file
type SidecarMeta struct {
	UserID                   string `json:"user_id"`
	Symbol                   string `json:"symbol"`
	Timeframe                string `json:"timeframe"`
	EAName                   string `json:"ea_name"`
	OriginalFilename         string `json:"original_filename"`
	ReoptimizeSourceMetricID int64  `json:"reoptimize_source_metric_id"`
	ReoptimizeSourceJobID    int64  `json:"reoptimize_source_job_id"`
}

// Ingestor watches the handoff folder and creates jobs from dropped files
type Ingestor struct {
	store      *store.Store
	thresholds *config.ThresholdHolder
	notifier   notify.Notifier
	cfg        config.IngestConfig
	userID     string
	log        *zap.SugaredLogger

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an Ingestor
func New(st *store.Store, holder *config.ThresholdHolder, notifier notify.Notifier, cfg config.IngestConfig, userID string, log *zap.SugaredLogger) *Ingestor {
	return &Ingestor{
		store:      st,
		thresholds: holder,
		notifier:   notifier,
		cfg:        cfg,
		userID:     userID,
		log:        log,
		done:       make(chan struct{}),
	}
}

// ProcessedFolder returns the destination for handled files
func (in *Ingestor) ProcessedFolder() string {
	if in.cfg.ProcessedFolder != "" {
		return in.cfg.ProcessedFolder
	}
	return filepath.Join(in.cfg.WatchFolder, "processed")
}

func (in *Ingestor) rejectedFolder() string {
	return filepath.Join(in.ProcessedFolder(), "rejected")
}

// Start launches the folder watcher plus a periodic rescan that catches files
// dropped while the watcher was down or events the OS coalesced away.
func (in *Ingestor) Start(ctx context.Context) error {
	for _, dir := range []string{in.cfg.WatchFolder, in.ProcessedFolder(), in.rejectedFolder()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create folder %s", dir)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create folder watcher")
	}
	if err := watcher.Add(in.cfg.WatchFolder); err != nil {
		watcher.Close()
		return errors.Wrapf(err, "watch %s", in.cfg.WatchFolder)
	}

	in.wg.Add(1)
	go in.run(ctx, watcher)
	in.log.Infow("Ingestor started",
		"watch_folder", in.cfg.WatchFolder,
		"processed_folder", in.ProcessedFolder(),
	)
	return nil
}

// Stop signals the loop and waits for it to exit
func (in *Ingestor) Stop() {
	close(in.done)
	in.wg.Wait()
	in.log.Infow("Ingestor stopped")
}

func (in *Ingestor) run(ctx context.Context, watcher *fsnotify.Watcher) {
	defer in.wg.Done()
	defer watcher.Close()

	rescan := time.Duration(in.cfg.RescanSeconds) * time.Second
	if rescan <= 0 {
		rescan = 10 * time.Second
	}
	ticker := time.NewTicker(rescan)
	defer ticker.Stop()

	// Pick up anything already waiting
	in.ScanOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-in.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, setExt) {
				continue
			}
			// Writers may still be flushing; the rescan is the safety net
			time.Sleep(200 * time.Millisecond)
			if err := in.IngestFile(ctx, event.Name); err != nil {
				in.log.Errorw("Ingest failed", "file", event.Name, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			in.log.Errorw("Folder watcher error", "error", err)
		case <-ticker.C:
			in.ScanOnce(ctx)
		}
	}
}

// ScanOnce ingests every .set file currently in the watch folder
func (in *Ingestor) ScanOnce(ctx context.Context) {
	entries, err := os.ReadDir(in.cfg.WatchFolder)
	if err != nil {
		in.log.Errorw("Watch folder scan failed", "folder", in.cfg.WatchFolder, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), setExt) {
			continue
		}
		path := filepath.Join(in.cfg.WatchFolder, entry.Name())
		if err := in.IngestFile(ctx, path); err != nil {
			in.log.Errorw("Ingest failed", "file", path, "error", err)
		}
	}
}

// IngestFile validates one set file, creates its job and initial task, and
// moves the file (plus sidecar, if any) into the processed folder. Files that
// fail validation move to processed/rejected and raise an operator alert.
func (in *Ingestor) IngestFile(ctx context.Context, path string) error {
	fileName := filepath.Base(path)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Already handled by a competing scan
			return nil
		}
		return errors.Wrapf(err, "stat %s", path)
	}
	if in.cfg.MaxFileBytes > 0 && info.Size() > in.cfg.MaxFileBytes {
		return in.reject(ctx, path, fmt.Sprintf("file exceeds %d bytes", in.cfg.MaxFileBytes))
	}
	if info.Size() == 0 {
		return in.reject(ctx, path, "file is empty")
	}

	meta, err := in.loadMeta(path)
	if err != nil {
		return in.reject(ctx, path, err.Error())
	}

	// Re-submitting a file name is only allowed for reoptimize derivatives
	if _, err := in.store.FindJobByOriginalFile(ctx, fileName); err == nil {
		if meta.ReoptimizeSourceMetricID == 0 {
			return in.reject(ctx, path, "duplicate file name")
		}
	} else if !errors.IsNotFoundError(err) {
		return err
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}

	th := in.thresholds.Load()
	userID := meta.UserID
	if userID == "" {
		userID = in.userID
	}
	job, task, err := in.store.CreateJobWithTask(ctx, store.NewJob{
		UserID:       userID,
		JobType:      "optimization",
		Symbol:       meta.Symbol,
		Timeframe:    meta.Timeframe,
		EAName:       meta.EAName,
		OriginalFile: fileName,
		MaxAttempts:  th.TaskMaxAttempts,
		Priority:     defaultPriority,
		FilePath:     fileName,
		FileBlob:     blob,
	})
	if err != nil {
		return err
	}

	if err := in.moveToProcessed(path); err != nil {
		in.log.Warnw("Processed move failed", "file", path, "error", err)
	}

	in.log.Infow("File ingested",
		"file", fileName,
		"job_id", job.ID,
		"task_id", task.ID,
		"symbol", job.Symbol,
		"timeframe", job.Timeframe,
		"ea_name", job.EAName,
	)
	return nil
}

// loadMeta reads the sidecar when present, otherwise derives attribution from
// the file name.
func (in *Ingestor) loadMeta(path string) (SidecarMeta, error) {
	sidecarPath := path + sidecarExt
	data, err := os.ReadFile(sidecarPath)
	if err == nil {
		var meta SidecarMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return SidecarMeta{}, errors.Wrapf(err, "parse sidecar %s", sidecarPath)
		}
		if meta.Symbol == "" || meta.Timeframe == "" || meta.EAName == "" {
			return SidecarMeta{}, errors.New("sidecar missing symbol, timeframe or ea_name")
		}
		return meta, nil
	}
	if !os.IsNotExist(err) {
		return SidecarMeta{}, errors.Wrapf(err, "read sidecar %s", sidecarPath)
	}
	return ParseFileName(filepath.Base(path))
}

// ParseFileName derives attribution from a SYMBOL_TIMEFRAME_EANAME.set file
// name. The EA name may itself contain underscores; only the first two
// segments are positional.
func ParseFileName(name string) (SidecarMeta, error) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return SidecarMeta{}, errors.Newf("file name %q is not SYMBOL_TIMEFRAME_EANAME.set and has no sidecar", name)
	}
	return SidecarMeta{
		Symbol:    parts[0],
		Timeframe: parts[1],
		EAName:    parts[2],
	}, nil
}

func (in *Ingestor) reject(ctx context.Context, path, reason string) error {
	fileName := filepath.Base(path)
	in.log.Warnw("File rejected", "file", fileName, "reason", reason)

	if err := os.MkdirAll(in.rejectedFolder(), 0o755); err != nil {
		in.log.Errorw("Rejected folder create failed", "error", err)
	}
	dest := filepath.Join(in.rejectedFolder(), fileName)
	if err := os.Rename(path, dest); err != nil {
		in.log.Errorw("Rejected move failed", "file", path, "error", err)
	}
	if err := os.Rename(path+sidecarExt, dest+sidecarExt); err != nil && !os.IsNotExist(err) {
		in.log.Errorw("Rejected sidecar move failed", "file", path+sidecarExt, "error", err)
	}

	return in.notifier.Notify(ctx,
		fmt.Sprintf("Ingest rejected: %s", fileName),
		fmt.Sprintf("file %s rejected: %s", fileName, reason))
}

func (in *Ingestor) moveToProcessed(path string) error {
	fileName := filepath.Base(path)
	if err := os.MkdirAll(in.ProcessedFolder(), 0o755); err != nil {
		return errors.Wrapf(err, "create processed folder")
	}
	dest := filepath.Join(in.ProcessedFolder(), fileName)
	if err := os.Rename(path, dest); err != nil {
		return errors.Wrapf(err, "move %s to processed", fileName)
	}
	if err := os.Rename(path+sidecarExt, dest+sidecarExt); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "move sidecar of %s to processed", fileName)
	}
	return nil
}
