// Command tagstoredemo exercises a TagStore end to end: it mints a
// handful of simulated entities, each with its own TagStore sharing one
// process-wide allocator.KeyAllocator and TagRegistry, writes a mix of
// flat and path-nested tags into each, then prints every store's
// contents via ForEachTag and its serialized compound via AsCompound.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"tagstore/allocator"
	"tagstore/compound"
	"tagstore/config"
	"tagstore/logger"
	"tagstore/tagstore"
)

var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

func intTag(alloc *allocator.KeyAllocator, reg *tagstore.TagRegistry, key string) *tagstore.Tag[int] {
	idx := alloc.Allocate(key, uint64(compound.TypeInt))
	serializer := tagstore.Serializer[int]{
		Write:   func(v int) compound.BinaryTag { return compound.IntTag(v) },
		Read:    func(t compound.BinaryTag) int { it, _ := t.(compound.IntTag); return int(it) },
		NbtType: compound.TypeInt,
	}
	tag := tagstore.NewTag(key, idx, serializer, func() int { return 0 }, nil)
	tagstore.RegisterTag(reg, tag)
	return tag
}

func stringTag(alloc *allocator.KeyAllocator, reg *tagstore.TagRegistry, key string) *tagstore.Tag[string] {
	idx := alloc.Allocate(key, uint64(compound.TypeString))
	serializer := tagstore.Serializer[string]{
		Write:   func(v string) compound.BinaryTag { return compound.StringTag(v) },
		Read:    func(t compound.BinaryTag) string { st, _ := t.(compound.StringTag); return string(st) },
		NbtType: compound.TypeString,
	}
	tag := tagstore.NewTag(key, idx, serializer, func() string { return "" }, nil)
	tagstore.RegisterTag(reg, tag)
	return tag
}

func main() {
	entityCount := flag.Int("entities", 3, "number of simulated entities to populate")
	logLevel := flag.String("log-level", "INFO", "log level: TRACE, DEBUG, INFO, WARN, ERROR")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("tagstoredemo v%s (built %s)\n", Version, BuildDate)
		os.Exit(0)
	}

	logger.Configure()
	if err := logger.SetLogLevel(*logLevel); err != nil {
		logger.Fatal("invalid log level: %v", err)
	}
	logger.Info("starting tagstoredemo with log level %s", strings.ToUpper(logger.GetLogLevel()))

	alloc := allocator.New()
	reg := tagstore.NewTagRegistry()
	cfg := config.Default()

	health := intTag(alloc, reg, "health")
	name := stringTag(alloc, reg, "name")
	posIdx := alloc.Allocate("position", uint64(compound.TypeCompound))
	posX := intTag(alloc, reg, "x").Path(tagstore.PathSegment{Name: "position", Index: posIdx})
	posY := intTag(alloc, reg, "y").Path(tagstore.PathSegment{Name: "position", Index: posIdx})

	for i := 0; i < *entityCount; i++ {
		id := uuid.New()
		store := tagstore.New(reg, cfg)

		tagstore.SetTag(store, health, ptr(20))
		tagstore.SetTag(store, name, ptr(fmt.Sprintf("entity-%d", i)))
		tagstore.SetTag(store, posX, ptr(i*10))
		tagstore.SetTag(store, posY, ptr(i*5))

		logger.Info("entity %s: %d live tags", id, store.Size())

		store.ForEachTag(func(path []string, tag tagstore.TagInfo, value any) {
			if len(path) == 0 {
				fmt.Printf("  %s = %v\n", tag.Key(), value)
				return
			}
			fmt.Printf("  %s/%s = %v\n", strings.Join(path, "/"), tag.Key(), value)
		})

		c, err := store.AsCompound()
		if err != nil {
			logger.Error("entity %s: AsCompound failed: %v", id, err)
			continue
		}
		fmt.Printf("  compound: %s\n\n", c)
	}

	logger.Info("allocated %d distinct tag indices across %d entities", alloc.Size(), *entityCount)
}

func ptr[T any](v T) *T { return &v }
