// Package discovery walks the deal-stage directories and yields the
// underwriting-model candidate files inside each deal's UW Model folder.
package discovery

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/uwdash/internal/criteria"
	"github.com/sells-group/uwdash/internal/model"
)

// ModelFolderName is matched case-insensitively against deal subfolders.
const ModelFolderName = "uw model"

// Result holds the outcome of one walk. Order is stage order, then
// directory order within each stage.
type Result struct {
	Included []model.Candidate
	Excluded []model.Candidate
	Warnings []model.DiscoveryWarning
}

// Walker discovers candidate files.
type Walker struct {
	eval *criteria.Evaluator
}

// NewWalker creates a Walker that classifies files with eval.
func NewWalker(eval *criteria.Evaluator) *Walker {
	return &Walker{eval: eval}
}

// Discover walks every stage. Missing stages and unreadable files become
// warnings; only context cancellation returns an error.
func (w *Walker) Discover(ctx context.Context, stages []model.DealStage) (*Result, error) {
	log := zap.L().With(zap.String("component", "discovery"))
	res := &Result{}

	for _, stage := range stages {
		info, err := os.Stat(stage.Path)
		if err != nil || !info.IsDir() {
			msg := "deal stage directory does not exist"
			if err != nil && !os.IsNotExist(err) {
				msg = err.Error()
			}
			log.Warn("skipping deal stage", zap.String("path", stage.Path), zap.String("reason", msg))
			res.Warnings = append(res.Warnings, model.DiscoveryWarning{Path: stage.Path, Message: msg})
			continue
		}

		log.Info("processing deal stage", zap.String("stage", stage.Name))
		deals, err := os.ReadDir(stage.Path)
		if err != nil {
			log.Warn("read deal stage failed", zap.String("path", stage.Path), zap.Error(err))
			res.Warnings = append(res.Warnings, model.DiscoveryWarning{Path: stage.Path, Message: err.Error()})
			continue
		}

		for _, deal := range deals {
			if err := ctx.Err(); err != nil {
				return res, eris.Wrap(err, "discovery: walk canceled")
			}
			if !isDir(stage.Path, deal) {
				continue
			}
			w.walkDeal(stage, filepath.Join(stage.Path, deal.Name()), res, log)
		}
	}

	log.Info("discovery complete",
		zap.Int("included", len(res.Included)),
		zap.Int("excluded", len(res.Excluded)),
		zap.Int("warnings", len(res.Warnings)),
	)
	return res, nil
}

func (w *Walker) walkDeal(stage model.DealStage, dealPath string, res *Result, log *zap.Logger) {
	folder, ok := FindModelFolder(dealPath)
	if !ok {
		log.Debug("no UW Model folder", zap.String("deal", filepath.Base(dealPath)))
		return
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		log.Warn("read model folder failed", zap.String("path", folder), zap.Error(err))
		res.Warnings = append(res.Warnings, model.DiscoveryWarning{Path: folder, Message: err.Error()})
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(folder, entry.Name())
		file, err := w.metadata(stage, dealPath, path)
		if err != nil {
			log.Warn("collect file metadata failed", zap.String("path", path), zap.Error(err))
			res.Warnings = append(res.Warnings, model.DiscoveryWarning{Path: path, Message: err.Error()})
			continue
		}
		if file == nil {
			continue
		}

		c := model.Candidate{File: *file, Verdict: w.eval.EvaluateFile(file.Name, file.Modified)}
		if c.Verdict.Included {
			log.Info("including file", zap.String("file", file.Name))
			res.Included = append(res.Included, c)
		} else {
			log.Debug("excluding file", zap.String("file", file.Name), zap.String("reason", string(c.Verdict.Reason)))
			res.Excluded = append(res.Excluded, c)
		}
	}
}

// metadata stats path; it returns nil for anything that is not a regular file.
func (w *Walker) metadata(stage model.DealStage, dealPath, path string) (*model.CandidateFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrap(err, "discovery: stat file")
	}
	if !info.Mode().IsRegular() {
		return nil, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, eris.Wrap(err, "discovery: absolute path")
	}
	return &model.CandidateFile{
		Name:      info.Name(),
		Path:      abs,
		StageName: stage.Name,
		StagePath: stage.Path,
		DealName:  filepath.Base(dealPath),
		Modified:  info.ModTime(),
		Size:      info.Size(),
	}, nil
}

// FindModelFolder returns the deal's UW Model folder: an immediate child
// first, then a grandchild.
func FindModelFolder(dealPath string) (string, bool) {
	entries, err := os.ReadDir(dealPath)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if isModelFolder(dealPath, e) {
			return filepath.Join(dealPath, e.Name()), true
		}
	}
	for _, e := range entries {
		if !isDir(dealPath, e) {
			continue
		}
		sub := filepath.Join(dealPath, e.Name())
		children, err := os.ReadDir(sub)
		if err != nil {
			continue
		}
		for _, c := range children {
			if isModelFolder(sub, c) {
				return filepath.Join(sub, c.Name()), true
			}
		}
	}
	return "", false
}

func isModelFolder(parent string, e os.DirEntry) bool {
	return strings.EqualFold(strings.TrimSpace(e.Name()), ModelFolderName) && isDir(parent, e)
}

// isDir follows symlinks so linked deal folders are walked.
func isDir(parent string, e os.DirEntry) bool {
	if e.IsDir() {
		return true
	}
	if e.Type()&os.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(parent, e.Name()))
	return err == nil && info.IsDir()
}

// Locate resolves one changed path to a candidate. It returns false unless
// path is a regular file directly inside the UW Model folder of a deal in
// one of stages.
func (w *Walker) Locate(path string, stages []model.DealStage) (model.Candidate, bool) {
	path = filepath.Clean(path)
	for _, stage := range stages {
		rel, err := filepath.Rel(filepath.Clean(stage.Path), path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		parts := strings.Split(rel, string(filepath.Separator))
		// deal/UW Model/file or deal/sub/UW Model/file
		if len(parts) != 3 && len(parts) != 4 {
			return model.Candidate{}, false
		}
		dealPath := filepath.Join(stage.Path, parts[0])
		folder, ok := FindModelFolder(dealPath)
		if !ok || filepath.Clean(folder) != filepath.Dir(path) {
			return model.Candidate{}, false
		}
		file, err := w.metadata(stage, dealPath, path)
		if err != nil || file == nil {
			return model.Candidate{}, false
		}
		return model.Candidate{File: *file, Verdict: w.eval.EvaluateFile(file.Name, file.Modified)}, true
	}
	return model.Candidate{}, false
}

// StageOf returns the stage containing path.
func StageOf(path string, stages []model.DealStage) (model.DealStage, bool) {
	path = filepath.Clean(path)
	for _, stage := range stages {
		rel, err := filepath.Rel(filepath.Clean(stage.Path), path)
		if err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			return stage, true
		}
	}
	return model.DealStage{}, false
}
