package erm

import (
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/ermalloc/memutils"
)

// jsonWriter is implemented by memory providers that can describe themselves in a stats string
type jsonWriter interface {
	WriteJSON(json *jwriter.ObjectState)
}

// CalculateStatistics populates stats with the current state of every tracked region
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()

	a.registry.mutex.RLock()
	defer a.registry.mutex.RUnlock()

	a.registry.visit(func(record *AllocationRecord) bool {
		stats.AddRegion(record.size, len(record.block), record.policies.Protected())
		return true
	})
}

// EnforceStatistics returns the accumulated outcome of every verification pass this allocator has run,
// including the recovery passes performed while migrating
func (a *Allocator) EnforceStatistics() memutils.EnforceStatistics {
	a.statsMutex.Lock()
	defer a.statsMutex.Unlock()

	return a.enforceStats
}

func writeStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("RegionCount").Int(stats.RegionCount)
	json.Name("ProtectedRegionCount").Int(stats.ProtectedRegionCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("RegionBytes").Int(stats.RegionBytes)
	json.Name("OverheadBytes").Int(stats.Overhead())

	if stats.RegionCount > 0 {
		json.Name("RegionSizeMin").Int(stats.RegionSizeMin)
		json.Name("RegionSizeMax").Int(stats.RegionSizeMax)
		json.Name("BlockSizeMin").Int(stats.BlockSizeMin)
		json.Name("BlockSizeMax").Int(stats.BlockSizeMax)
	}
}

func writeEnforceStatistics(json *jwriter.ObjectState, stats memutils.EnforceStatistics) {
	json.Name("EnforceCount").Int(stats.EnforceCount)
	json.Name("ErrorsFound").Int(stats.ErrorsFound)
	json.Name("ErrorsCorrected").Int(stats.ErrorsCorrected)
	json.Name("UnrecoverableVerdicts").Int(stats.UnrecoverableVerdicts)
}

// BuildStatsString returns a JSON document describing the allocator. If detailed is true, every tracked
// region is listed along with its layout.
func (a *Allocator) BuildStatsString(detailed bool) string {
	var stats memutils.DetailedStatistics
	a.CalculateStatistics(&stats)

	writer := jwriter.NewWriter()
	root := writer.Object()

	general := root.Name("General").Object()
	general.Name("Flags").String(a.createFlags.String())
	general.Name("DefaultRedundancy").Int(a.defaultRedundancy)
	general.End()

	total := root.Name("Total").Object()
	writeStatistics(&total, &stats)
	total.End()

	enforce := root.Name("Enforce").Object()
	writeEnforceStatistics(&enforce, a.EnforceStatistics())
	enforce.End()

	if provider, ok := a.provider.(jsonWriter); ok {
		providerObj := root.Name("Provider").Object()
		provider.WriteJSON(&providerObj)
		providerObj.End()
	}

	if detailed {
		a.printDetailedMap(&root)
	}

	root.End()
	return string(writer.Bytes())
}

func (a *Allocator) printDetailedMap(json *jwriter.ObjectState) {
	a.registry.mutex.RLock()
	defer a.registry.mutex.RUnlock()

	records := make([]*AllocationRecord, 0, a.registry.count())
	a.registry.visit(func(record *AllocationRecord) bool {
		records = append(records, record)
		return true
	})

	// xids sort in creation order
	sort.Slice(records, func(i, j int) bool {
		return records[i].id < records[j].id
	})

	regions := json.Name("Regions").Array()
	defer regions.End()

	for _, record := range records {
		record.mutex.Lock()
		obj := regions.Object()
		record.printParameters(&obj)
		obj.End()
		record.mutex.Unlock()
	}
}
