package search

import (
	"context"
	"sort"

	"github.com/ssd-technologies/corpusx/internal/storage"
)

// mergeAnalysis attaches AnalysisGroup slices to the matched files.
//
// The first pass collects, per group, the union of matched lines from every
// file in the result that plays either role. The second pass builds one
// Analysis per group and hands the same value to both role files, so the
// outcome does not depend on which file was processed first.
func (p *Pipeline) mergeAnalysis(ctx context.Context, files []FileResult, content *contentCache) error {
	if len(files) == 0 {
		return nil
	}
	index := make(map[int64]int, len(files))
	ids := make([]int64, len(files))
	for i, f := range files {
		index[f.ID] = i
		ids[i] = f.ID
	}

	groups, err := p.db.AnalysisGroupsForFiles(ctx, ids)
	if err != nil {
		return err
	}

	// Pass 1: matched lines keyed by group.
	lines := make(map[int64]map[int]struct{}, len(groups))
	for _, g := range groups {
		set := make(map[int]struct{})
		for _, fid := range []int64{g.SearchedFileID, g.DifferentialFileID} {
			i, ok := index[fid]
			if !ok {
				continue
			}
			for _, n := range files[i].Lines {
				set[n] = struct{}{}
			}
		}
		lines[g.ID] = set
	}

	// Pass 2: build and share.
	for _, g := range groups {
		set := lines[g.ID]
		if len(set) == 0 {
			continue
		}
		a, err := p.buildAnalysis(ctx, g, set, content)
		if err != nil {
			return err
		}
		attached := make(map[int64]bool, 2)
		for _, fid := range []int64{g.SearchedFileID, g.DifferentialFileID} {
			i, ok := index[fid]
			if !ok || attached[fid] {
				continue
			}
			files[i].Analysis = append(files[i].Analysis, a)
			attached[fid] = true
		}
	}
	return nil
}

func (p *Pipeline) buildAnalysis(ctx context.Context, g storage.AnalysisGroup, set map[int]struct{}, content *contentCache) (*Analysis, error) {
	searched, err := content.optionalLines(ctx, g.SearchedFileID)
	if err != nil {
		return nil, err
	}
	differential, err := content.optionalLines(ctx, g.DifferentialFileID)
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		GroupID:            g.ID,
		Name:               g.Name,
		SearchedFileID:     g.SearchedFileID,
		DifferentialFileID: g.DifferentialFileID,
		SearchedHeader:     lineAt(searched, 1),
		DifferentialHeader: lineAt(differential, 1),
		ComparisonMatrix:   g.ComparisonMatrix,
		Rows:               []AnalysisRow{},
	}
	if string(a.ComparisonMatrix) == "null" {
		a.ComparisonMatrix = nil
	}

	numbers := make([]int, 0, len(set))
	for n := range set {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	for _, n := range numbers {
		a.Rows = append(a.Rows, AnalysisRow{
			Line:         n,
			Searched:     lineAt(searched, n),
			Differential: lineAt(differential, n),
		})
	}

	if g.SampleAnnotationFileID != nil {
		annotation, err := content.optionalLines(ctx, *g.SampleAnnotationFileID)
		if err != nil {
			return nil, err
		}
		a.SampleAnnotation = annotation
	}
	return a, nil
}

func lineAt(lines []string, n int) string {
	if n < 1 || n > len(lines) {
		return ""
	}
	return lines[n-1]
}
