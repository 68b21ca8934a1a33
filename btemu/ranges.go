/*
Copyright 2015 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package btemu

import (
	"bytes"
	"sort"

	btpb "cloud.google.com/go/bigtable/apiv2/bigtablepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// simpleRange is a normalized half-open key range [start, end); an empty
// bound is unbounded on that side.
type simpleRange struct {
	start, end keyType
}

// contains reports whether key falls inside the range.
func (sr simpleRange) contains(key keyType) bool {
	if len(sr.start) > 0 && bytes.Compare(key, sr.start) < 0 {
		return false
	}
	if len(sr.end) > 0 && bytes.Compare(key, sr.end) >= 0 {
		return false
	}
	return true
}

// mergeRowRanges returns a sorted, normalized list of ranges to traverse.
func mergeRowRanges(explicit []keyType, rrs []*btpb.RowRange) []simpleRange {
	var srs []simpleRange
	for _, k := range explicit {
		srs = append(srs, simpleRange{
			start: k,
			end:   append(k, 0),
		})
	}
	for _, rr := range rrs {
		var sr simpleRange
		switch sk := rr.StartKey.(type) {
		case *btpb.RowRange_StartKeyClosed:
			sr.start = sk.StartKeyClosed
		case *btpb.RowRange_StartKeyOpen:
			sr.start = append(sk.StartKeyOpen, 0)
		}
		switch ek := rr.EndKey.(type) {
		case *btpb.RowRange_EndKeyClosed:
			sr.end = append(ek.EndKeyClosed, 0)
		case *btpb.RowRange_EndKeyOpen:
			sr.end = ek.EndKeyOpen
		}
		srs = append(srs, sr)
	}
	return mergeSimpleRanges(srs)
}

func mergeSimpleRanges(srs []simpleRange) []simpleRange {
	if len(srs) == 0 {
		return srs
	}

	// Special case end compare: the empty key is greater than a non-empty key
	endCmp := func(a, b simpleRange) int {
		switch {
		case len(a.end) == 0 && len(b.end) == 0:
			return 0 // both empty
		case len(b.end) == 0:
			return -1 // b is infinite, therefore a < b
		case len(a.end) == 0:
			return 1 // a is infinite, therefore a > b
		default:
			return bytes.Compare(a.end, b.end)
		}
	}

	sort.Slice(srs, func(i, j int) bool {
		if cmp := bytes.Compare(srs[i].start, srs[j].start); cmp < 0 {
			return true
		} else if cmp > 0 {
			return false
		}
		return endCmp(srs[i], srs[j]) < 0
	})

	merge := func(a simpleRange, b simpleRange) (simpleRange, bool) {
		// a and b are disjoint if a's range is not infinite, and a's end less than b's start.
		if len(a.end) > 0 && bytes.Compare(a.end, b.start) < 0 {
			return simpleRange{}, false
		}

		// a and b are not disjoint, so we can merge them
		var end keyType
		if endCmp(a, b) < 0 {
			end = b.end
		} else {
			end = a.end
		}
		return simpleRange{
			start: a.start,
			end:   end,
		}, true
	}

	last := 0
	for i := range srs {
		if i == 0 {
			continue
		}
		merged, didMerge := merge(srs[last], srs[i])
		if didMerge {
			srs[last] = merged
		} else {
			last++
			srs[last] = srs[i]
		}
	}
	return srs[:last+1]
}

// validateRowRanges rejects inverted row ranges before any scan work
// starts.
func validateRowRanges(req *btpb.ReadRowsRequest) error {
	if req.RowsLimit < 0 {
		return status.Errorf(codes.InvalidArgument, "rows_limit cannot be negative")
	}
	for _, rr := range req.GetRows().GetRowRanges() {
		var start, end keyType
		switch sk := rr.StartKey.(type) {
		case *btpb.RowRange_StartKeyClosed:
			start = sk.StartKeyClosed
		case *btpb.RowRange_StartKeyOpen:
			start = sk.StartKeyOpen
		}
		switch ek := rr.EndKey.(type) {
		case *btpb.RowRange_EndKeyClosed:
			end = ek.EndKeyClosed
		case *btpb.RowRange_EndKeyOpen:
			end = ek.EndKeyOpen
		}
		if len(start) > 0 && len(end) > 0 && bytes.Compare(start, end) > 0 {
			return status.Errorf(codes.InvalidArgument, "inverted row range [%q, %q)", start, end)
		}
	}
	return nil
}

// prefixSuccessor returns the smallest key greater than every key with the
// given prefix, or nil if no such key exists (all 0xff).
func prefixSuccessor(prefix keyType) keyType {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			succ := append(keyType(nil), prefix[:i+1]...)
			succ[i]++
			return succ
		}
	}
	return nil
}
