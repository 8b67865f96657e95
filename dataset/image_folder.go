// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataset

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/juju/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var extensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

type Sample struct {
	Path  string
	Label int
}

// ImageFolder is a labeled image dataset stored as root/<class>/<image>. Class
// indices follow the sorted class directory names.
type ImageFolder struct {
	root    string
	classes *ClassIndex
	samples []Sample
	cache   *ImageCache
}

func NewImageFolder(root string) (*ImageFolder, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read dataset %s", root)
	}
	var classes []string
	for _, entry := range entries {
		if entry.IsDir() {
			classes = append(classes, entry.Name())
		}
	}
	slices.Sort(classes)
	if len(classes) == 0 {
		return nil, errors.NotFoundf("class directories in %s", root)
	}
	folder := &ImageFolder{root: root, classes: NewClassIndex()}
	for _, class := range classes {
		folder.classes.Add(class)
	}
	for _, class := range classes {
		files, err := os.ReadDir(filepath.Join(root, class))
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, file := range files {
			if file.IsDir() || !slices.Contains(extensions, strings.ToLower(filepath.Ext(file.Name()))) {
				continue
			}
			folder.samples = append(folder.samples, Sample{
				Path:  filepath.Join(root, class, file.Name()),
				Label: folder.classes.Observe(class),
			})
		}
	}
	if len(folder.samples) == 0 {
		return nil, errors.NotFoundf("images in %s", root)
	}
	return folder, nil
}

// Len returns the number of samples.
func (d *ImageFolder) Len() int {
	return len(d.samples)
}

func (d *ImageFolder) Classes() []string {
	return d.classes.Names()
}

func (d *ImageFolder) Sample(i int) Sample {
	return d.samples[i]
}

// ClassCounts returns the number of samples of each class.
func (d *ImageFolder) ClassCounts() []int {
	counts := make([]int, d.classes.Len())
	for label := range counts {
		counts[label] = d.classes.Count(label)
	}
	return counts
}

// SetCache keeps decoded images in the cache. A nil cache disables caching.
func (d *ImageFolder) SetCache(cache *ImageCache) {
	d.cache = cache
}

// Load decodes the i-th image.
func (d *ImageFolder) Load(i int) (image.Image, int, error) {
	s := d.samples[i]
	if d.cache != nil {
		img, err := d.cache.Get(s.Path)
		return img, s.Label, err
	}
	img, err := decode(s.Path)
	return img, s.Label, err
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to decode image %s", path)
	}
	return img, nil
}

// ImageCache keeps decoded images for a limited time and up to a capacity.
type ImageCache struct {
	cache *ttlcache.Cache[string, image.Image]
}

// NewImageCache creates a cache. It returns nil when capacity is not positive.
// A zero ttl keeps images until they are evicted by capacity.
func NewImageCache(capacity int, ttl time.Duration) *ImageCache {
	if capacity <= 0 {
		return nil
	}
	return &ImageCache{
		cache: ttlcache.New[string, image.Image](
			ttlcache.WithTTL[string, image.Image](ttl),
			ttlcache.WithCapacity[string, image.Image](uint64(capacity)),
		),
	}
}

// Get returns the decoded image of a file, decoding it on a miss.
func (c *ImageCache) Get(path string) (image.Image, error) {
	if item := c.cache.Get(path); item != nil {
		return item.Value(), nil
	}
	img, err := decode(path)
	if err != nil {
		return nil, err
	}
	c.cache.Set(path, img, ttlcache.DefaultTTL)
	return img, nil
}

// Len returns the number of cached images.
func (c *ImageCache) Len() int {
	return c.cache.Len()
}
