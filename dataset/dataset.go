// Package dataset loads the part-file corpus and shards it across the peer
// group. Rank 0 enumerates the files of each role; under data parallelism
// the indices are scattered so every peer loads a distinct shard, while
// under model parallelism the full index list is broadcast and every peer
// loads the entire set.
package dataset

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/mat"

	"github.com/featherml/feather/cluster"
	"github.com/featherml/feather/transport"
)

// The four data roles, in the collective order every peer must follow.
var roles = []string{"train_features", "train_labels", "test_features", "test_labels"}

// Split bundles the loaded matrices of one peer.
type Split struct {
	XTrain *mat.Dense
	YTrain *mat.Dense
	XTest  *mat.Dense
	YTest  *mat.Dense
}

// Load reads the four roles under dir according to the sharding policy of
// the parallelism mode. All peers must call Load together: file enumeration
// and index distribution are collective.
func Load(ctx context.Context, ctrl *transport.Controller, mode cluster.Parallelism, dir string) (*Split, error) {
	matrices := make([]*mat.Dense, len(roles))
	for i, role := range roles {
		m, err := loadRole(ctx, ctrl, mode, filepath.Join(dir, role))
		if err != nil {
			return nil, xerrors.Errorf("loading %s: %w", role, err)
		}
		matrices[i] = m
	}
	return &Split{
		XTrain: matrices[0],
		YTrain: matrices[1],
		XTest:  matrices[2],
		YTest:  matrices[3],
	}, nil
}

// loadRole distributes the role's file indices and loads the local share.
func loadRole(ctx context.Context, ctrl *transport.Controller, mode cluster.Parallelism, path string) (*mat.Dense, error) {
	indices, err := shardIndices(ctx, ctrl, mode, path)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, xerrors.Errorf("no part files assigned under %s", path)
	}
	var parts []*mat.Dense
	for _, idx := range indices {
		m, err := readMatrix(filepath.Join(path, fmt.Sprintf("part-%05d", idx)))
		if err != nil {
			return nil, err
		}
		parts = append(parts, m)
	}
	return vstack(parts)
}

// shardIndices enumerates the part files on rank 0 and hands every peer its
// index list.
func shardIndices(ctx context.Context, ctrl *transport.Controller, mode cluster.Parallelism, path string) ([]int64, error) {
	size := ctrl.Size()

	var indices []int64
	if ctrl.Rank() == 0 {
		count, err := countParts(path)
		if err != nil {
			return nil, err
		}
		indices = make([]int64, count)
		for i := range indices {
			indices[i] = int64(i)
		}
	}

	if mode == cluster.DataParallelism {
		counts := make([]int64, size)
		if ctrl.Rank() == 0 {
			base, extra := len(indices)/size, len(indices)%size
			for i := 0; i < size; i++ {
				counts[i] = int64(base)
				if i < extra {
					counts[i]++
				}
			}
		}
		local, err := transport.Scatter(ctx, ctrl, counts, 0)
		if err != nil {
			return nil, xerrors.Errorf("scattering part counts: %w", err)
		}
		intCounts := make([]int, size)
		for i, c := range counts {
			intCounts[i] = int(c)
		}
		shard, err := transport.Scatterv(ctx, ctrl, indices, intCounts, 0)
		if err != nil {
			return nil, xerrors.Errorf("scattering part indices: %w", err)
		}
		if int64(len(shard)) != local {
			return nil, xerrors.Errorf("shard of %d parts does not match scattered count %d", len(shard), local)
		}
		return shard, nil
	}

	count := []int64{int64(len(indices))}
	if err := transport.Bcast(ctx, ctrl, count, 0); err != nil {
		return nil, xerrors.Errorf("broadcasting part count: %w", err)
	}
	if ctrl.Rank() != 0 {
		indices = make([]int64, count[0])
	}
	if err := transport.Bcast(ctx, ctrl, indices, 0); err != nil {
		return nil, xerrors.Errorf("broadcasting part indices: %w", err)
	}
	return indices, nil
}

// countParts counts the regular, non-hidden files in the directory; each one
// is taken to be a part file, whatever its name.
func countParts(path string) (int, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, xerrors.Errorf("could not open path %s: %w", path, err)
	}
	count := 0
	for _, entry := range entries {
		if entry.Type().IsRegular() && !strings.HasPrefix(entry.Name(), ".") {
			count++
		}
	}
	if count == 0 {
		return 0, xerrors.Errorf("no part files under %s", path)
	}
	return count, nil
}

// readMatrix parses one part file of comma- or whitespace-separated float
// rows.
func readMatrix(name string) (*mat.Dense, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, xerrors.Errorf("could not open the file %s: %w", name, err)
	}
	defer file.Close()

	var (
		data []float64
		rows int
		cols int
	)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.FieldsFunc(scanner.Text(), func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if len(fields) == 0 {
			continue
		}
		if cols == 0 {
			cols = len(fields)
		} else if len(fields) != cols {
			return nil, xerrors.Errorf("ragged row in %s: %d fields, want %d", name, len(fields), cols)
		}
		for _, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, xerrors.Errorf("parsing %s: %w", name, err)
			}
			data = append(data, v)
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("reading %s: %w", name, err)
	}
	if rows == 0 {
		return nil, xerrors.Errorf("empty part file %s", name)
	}
	return mat.NewDense(rows, cols, data), nil
}

// vstack concatenates the matrices vertically in order.
func vstack(parts []*mat.Dense) (*mat.Dense, error) {
	_, cols := parts[0].Dims()
	total := 0
	for _, p := range parts {
		r, c := p.Dims()
		if c != cols {
			return nil, xerrors.Errorf("part width %d does not match %d", c, cols)
		}
		total += r
	}
	out := mat.NewDense(total, cols, nil)
	row := 0
	for _, p := range parts {
		r, _ := p.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < cols; j++ {
				out.Set(row+i, j, p.At(i, j))
			}
		}
		row += r
	}
	return out, nil
}
