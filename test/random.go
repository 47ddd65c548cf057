package test

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ipni/go-sectioncache/content/model"
)

var globalSeed atomic.Int64

// RandomSections returns a slice of n random unique section names.
func RandomSections(n int) []string {
	rng := rand.New(rand.NewSource(globalSeed.Add(1)))
	sections := make([]string, n)
	sectionSet := make(map[string]struct{})
	for i := 0; i < n; i++ {
		section := fmt.Sprintf("section_%06d", rng.Intn(1000000))
		if _, ok := sectionSet[section]; ok {
			i--
			continue
		}
		sections[i] = section
		sectionSet[section] = struct{}{}
	}
	return sections
}

// RandomRecords returns n well-formed records with unique sections and IDs.
func RandomRecords(n int) []*model.Record {
	rng := rand.New(rand.NewSource(globalSeed.Add(1)))
	sections := RandomSections(n)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := make([]*model.Record, n)
	for i, section := range sections {
		recs[i] = &model.Record{
			Section:   section,
			ID:        fmt.Sprintf("%x", rng.Int63()),
			Title:     fmt.Sprintf("Title %d", i),
			Content:   fmt.Sprintf("<p>%d</p>", rng.Int()),
			UpdatedAt: base.Add(time.Duration(rng.Intn(86400)) * time.Second),
		}
	}
	return recs
}
