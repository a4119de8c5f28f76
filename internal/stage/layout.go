package stage

import (
	"fmt"
	"path/filepath"

	"github.com/JakeFAU/news-pipeline/internal/pipeline"
)

// Layout lists the notebook paths of each stage, relative to the notebook
// directory unless absolute.
type Layout map[pipeline.Stage][]string

// DefaultLayout returns the notebook layout of the news pipeline.
func DefaultLayout() Layout {
	return Layout{
		pipeline.StageScrape: {
			"scrape/scrape.ipynb",
			"scrape/rss.ipynb",
			"scrape/news_extraction.ipynb",
		},
		pipeline.StageSummarization: {
			"range_summary/news_range_n_summary.ipynb",
		},
		pipeline.StageDigestGeneration: {
			"digest_generation/didgest.ipynb",
		},
	}
}

// Merge returns a copy of l with the stages in overrides replaced. Override
// keys may use either stage spelling accepted by pipeline.ParseStage.
func (l Layout) Merge(overrides map[string][]string) (Layout, error) {
	out := make(Layout, len(l))
	for s, paths := range l {
		out[s] = append([]string(nil), paths...)
	}
	for name, paths := range overrides {
		s, err := pipeline.ParseStage(name)
		if err != nil {
			return nil, fmt.Errorf("layout override: %w", err)
		}
		if len(paths) == 0 {
			return nil, fmt.Errorf("layout override %s: no notebooks", s)
		}
		out[layoutKey(s)] = append([]string(nil), paths...)
	}
	return out, nil
}

// Paths resolves the notebooks of s against dir.
func (l Layout) Paths(dir string, s pipeline.Stage) ([]string, error) {
	rel, ok := l[layoutKey(s)]
	if !ok || len(rel) == 0 {
		return nil, fmt.Errorf("no notebooks configured for stage %s", s)
	}
	paths := make([]string, 0, len(rel))
	for _, p := range rel {
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// layoutKey maps grade onto summarization; both stages run the same notebooks.
func layoutKey(s pipeline.Stage) pipeline.Stage {
	if s == pipeline.StageGrade {
		return pipeline.StageSummarization
	}
	return s
}
