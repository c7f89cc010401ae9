package launch

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

var seedDirPattern = regexp.MustCompile(`^seed([0-9]+)$`)

// SeedDir returns the directory of seed s under workdir.
func SeedDir(workdir string, s int) string {
	return filepath.Join(workdir, fmt.Sprintf("seed%d", s))
}

// CountSeeds returns the number of seed directories under dir. A missing
// directory has none.
func CountSeeds(dir string) (int, error) {
	seeds, err := ListSeeds(dir)
	if err != nil {
		return 0, err
	}
	return len(seeds), nil
}

// ListSeeds returns the indices of the seed directories under dir in
// ascending order.
func ListSeeds(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read working directory: %w", err)
	}

	var seeds []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := seedDirPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		seeds = append(seeds, n)
	}
	sort.Ints(seeds)
	return seeds, nil
}
