package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tsawler/go-lesionseg/tensor"
	"github.com/tsawler/go-lesionseg/training"
	"github.com/tsawler/go-lesionseg/vision/preprocessing"
)

// ErrPairingMismatch is returned when an image has no mask or a mask has no
// image.
var ErrPairingMismatch = errors.New("image and mask files do not pair")

// DefaultMaskSuffix is appended to the image stem by ISIC mask files.
const DefaultMaskSuffix = "_Segmentation"

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true}

// Pair is one image file and its mask.
type Pair struct {
	Stem  string
	Image string
	Mask  string
}

// listByStem maps stem to path for every image file in dir. trim is
// removed from the end of each stem.
func listByStem(dir, trim string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	files := make(map[string]string)
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || !imageExtensions[ext] {
			continue
		}
		stem := strings.TrimSuffix(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())), trim)
		if prev, ok := files[stem]; ok {
			return nil, fmt.Errorf("%w: %s and %s share stem %q", ErrPairingMismatch, filepath.Base(prev), e.Name(), stem)
		}
		files[stem] = filepath.Join(dir, e.Name())
	}
	return files, nil
}

func unmatched(from, in map[string]string) []string {
	var stems []string
	for stem := range from {
		if _, ok := in[stem]; !ok {
			stems = append(stems, stem)
		}
	}
	sort.Strings(stems)
	return stems
}

func summarize(stems []string) string {
	const shown = 5
	if len(stems) <= shown {
		return strings.Join(stems, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(stems[:shown], ", "), len(stems)-shown)
}

// PairFiles matches image files with mask files by stem. A mask stem is its
// file name without extension and without maskSuffix. The result is sorted
// by stem.
func PairFiles(imageDir, maskDir, maskSuffix string) ([]Pair, error) {
	images, err := listByStem(imageDir, "")
	if err != nil {
		return nil, err
	}
	masks, err := listByStem(maskDir, maskSuffix)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no image files in %s", imageDir)
	}

	if missing := unmatched(images, masks); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %d images without a mask in %s: %s",
			ErrPairingMismatch, len(missing), maskDir, summarize(missing))
	}
	if orphans := unmatched(masks, images); len(orphans) > 0 {
		return nil, fmt.Errorf("%w: %d masks without an image in %s: %s",
			ErrPairingMismatch, len(orphans), imageDir, summarize(orphans))
	}

	pairs := make([]Pair, 0, len(images))
	for stem, img := range images {
		pairs = append(pairs, Pair{Stem: stem, Image: img, Mask: masks[stem]})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Stem < pairs[j].Stem })
	return pairs, nil
}

// ISICConfig locates one split of an ISIC-style dataset.
type ISICConfig struct {
	ImageDir   string
	MaskDir    string
	MaskSuffix string
	Transform  preprocessing.TransformConfig
	// Seed drives the flip decisions.
	Seed int64
	// CacheSize bounds the number of decoded files kept in memory. Zero
	// disables caching.
	CacheSize int
	Device    tensor.DeviceType
}

// ISICDataset serves (image, mask) samples from paired files. It implements
// training.Dataset.
type ISICDataset struct {
	pairs  []Pair
	proc   *preprocessing.ImageProcessor
	cache  *lru.Cache[string, *preprocessing.ProcessedImage]
	device tensor.DeviceType

	mu  sync.Mutex
	rng *rand.Rand
}

// NewISICDataset pairs the files and prepares the transform.
func NewISICDataset(cfg ISICConfig) (*ISICDataset, error) {
	proc, err := preprocessing.NewImageProcessor(cfg.Transform)
	if err != nil {
		return nil, fmt.Errorf("invalid transform: %w", err)
	}
	pairs, err := PairFiles(cfg.ImageDir, cfg.MaskDir, cfg.MaskSuffix)
	if err != nil {
		return nil, err
	}

	ds := &ISICDataset{
		pairs:  pairs,
		proc:   proc,
		device: cfg.Device,
		rng:    training.NewRNG(cfg.Seed),
	}
	if cfg.CacheSize > 0 {
		ds.cache, err = lru.New[string, *preprocessing.ProcessedImage](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create sample cache: %w", err)
		}
	}
	return ds, nil
}

func (d *ISICDataset) Len() int { return len(d.pairs) }

// Pairs returns the file pairs in index order.
func (d *ISICDataset) Pairs() []Pair { return d.pairs }

// Cached returns the number of decoded files held in the cache.
func (d *ISICDataset) Cached() int {
	if d.cache == nil {
		return 0
	}
	return d.cache.Len()
}

func (d *ISICDataset) load(path string, channels int) (*preprocessing.ProcessedImage, error) {
	if d.cache != nil {
		if p, ok := d.cache.Get(path); ok {
			return p, nil
		}
	}
	p, err := d.proc.Load(path, channels)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		d.cache.Add(path, p)
	}
	return p, nil
}

// Get returns the normalised [3,S,S] image and the [1,S,S] mask of sample
// idx. Both are flipped together or not at all.
func (d *ISICDataset) Get(idx int) (*tensor.Tensor, *tensor.Tensor, error) {
	if idx < 0 || idx >= len(d.pairs) {
		return nil, nil, fmt.Errorf("%w: index %d, dataset has %d samples", training.ErrIndexOutOfRange, idx, len(d.pairs))
	}
	pair := d.pairs[idx]

	img, err := d.load(pair.Image, 3)
	if err != nil {
		return nil, nil, fmt.Errorf("sample %s: %w", pair.Stem, err)
	}
	mask, err := d.load(pair.Mask, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("sample %s: %w", pair.Stem, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	x, y, err := d.proc.Finish(img, mask, d.rng, d.device)
	if err != nil {
		return nil, nil, fmt.Errorf("sample %s: %w", pair.Stem, err)
	}
	return x, y, nil
}
