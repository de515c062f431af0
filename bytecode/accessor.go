package bytecode

import (
	"fmt"

	"github.com/deepnoodle-ai/optree/errz"
)

// Frame is the per-activation storage a program executes against: an operand
// stack and indexed local slots. It is implemented by the vm package; the
// interface lives here so that accessors can be used against any frame
// implementation without an import cycle.
type Frame interface {
	// GetLocal reads a local slot generically, regardless of its tag.
	GetLocal(index int) any
	// SetLocal writes a local slot generically, widening its tag.
	SetLocal(index int, value any)

	// Typed reads return errz.ErrUnexpectedResult when the slot's tag does
	// not match; callers must fall back to GetLocal.
	GetLocalBool(index int) (bool, error)
	GetLocalInt(index int) (int64, error)
	GetLocalFloat(index int) (float64, error)

	// Typed writes speculatively narrow the slot's storage.
	SetLocalBool(index int, value bool)
	SetLocalInt(index int, value int64)
	SetLocalFloat(index int, value float64)
}

const (
	// accessorCacheSize is the number of low-index accessors that are
	// interned and shared rather than allocated per request.
	accessorCacheSize = 64

	// rangeCacheStarts and rangeCacheLengths bound the interned table of
	// range accessors: ranges starting below rangeCacheStarts with length at
	// most rangeCacheLengths are shared.
	rangeCacheStarts  = 16
	rangeCacheLengths = 8
)

// LocalAccessor is an immutable descriptor addressing a single local slot.
// Low-index instances are interned, so accessor-typed operands do not
// allocate in the common case.
type LocalAccessor struct {
	index int
}

var accessorCache = createAccessorCache()

func createAccessorCache() []LocalAccessor {
	cache := make([]LocalAccessor, accessorCacheSize)
	for i := range cache {
		cache[i] = LocalAccessor{index: i}
	}
	return cache
}

// NewLocalAccessor returns an accessor for the local slot at the given
// index. Indices below the cache threshold return a shared instance.
func NewLocalAccessor(index int) LocalAccessor {
	if index >= 0 && index < accessorCacheSize {
		return accessorCache[index]
	}
	return LocalAccessor{index: index}
}

// Index returns the local slot index this accessor addresses.
func (a LocalAccessor) Index() int {
	return a.index
}

// String returns a string representation of the accessor.
func (a LocalAccessor) String() string {
	return fmt.Sprintf("LocalAccessor[%d]", a.index)
}

// Get reads the local generically.
func (a LocalAccessor) Get(frame Frame) any {
	return frame.GetLocal(a.index)
}

// Set writes the local generically.
func (a LocalAccessor) Set(frame Frame, value any) {
	frame.SetLocal(a.index, value)
}

// GetBool reads the local as a boolean, failing with
// errz.ErrUnexpectedResult if the slot holds something else.
func (a LocalAccessor) GetBool(frame Frame) (bool, error) {
	return frame.GetLocalBool(a.index)
}

// GetInt reads the local as an integer, failing with
// errz.ErrUnexpectedResult if the slot holds something else.
func (a LocalAccessor) GetInt(frame Frame) (int64, error) {
	return frame.GetLocalInt(a.index)
}

// GetFloat reads the local as a float, failing with
// errz.ErrUnexpectedResult if the slot holds something else.
func (a LocalAccessor) GetFloat(frame Frame) (float64, error) {
	return frame.GetLocalFloat(a.index)
}

// SetBool writes the local as a boolean.
func (a LocalAccessor) SetBool(frame Frame, value bool) {
	frame.SetLocalBool(a.index, value)
}

// SetInt writes the local as an integer.
func (a LocalAccessor) SetInt(frame Frame, value int64) {
	frame.SetLocalInt(a.index, value)
}

// SetFloat writes the local as a float.
func (a LocalAccessor) SetFloat(frame Frame, value float64) {
	frame.SetLocalFloat(a.index, value)
}

// LocalRangeAccessor is an immutable, offset-addressed view over a
// contiguous run of local slots. Small low-start instances are interned.
type LocalRangeAccessor struct {
	start  int
	length int
}

var rangeCache = createRangeCache()

func createRangeCache() [][]LocalRangeAccessor {
	cache := make([][]LocalRangeAccessor, rangeCacheStarts)
	for start := range cache {
		cache[start] = make([]LocalRangeAccessor, rangeCacheLengths+1)
		for length := 0; length <= rangeCacheLengths; length++ {
			cache[start][length] = LocalRangeAccessor{start: start, length: length}
		}
	}
	return cache
}

// NewLocalRangeAccessor returns an accessor over the given slot indices,
// which must be strictly consecutive. Small, low-start ranges return a
// shared instance.
func NewLocalRangeAccessor(indices []int) (LocalRangeAccessor, error) {
	for i := 1; i < len(indices); i++ {
		if indices[i] != indices[i-1]+1 {
			return LocalRangeAccessor{}, errz.NewBuildErrorf(errz.ErrLocal,
				"local range is not contiguous: index %d follows %d",
				indices[i], indices[i-1])
		}
	}
	start := 0
	if len(indices) > 0 {
		start = indices[0]
	}
	return internRange(start, len(indices)), nil
}

func internRange(start, length int) LocalRangeAccessor {
	if start >= 0 && start < rangeCacheStarts && length <= rangeCacheLengths {
		return rangeCache[start][length]
	}
	return LocalRangeAccessor{start: start, length: length}
}

// Length returns the number of slots in the range.
func (r LocalRangeAccessor) Length() int {
	return r.length
}

// Start returns the index of the first slot in the range.
func (r LocalRangeAccessor) Start() int {
	return r.start
}

// String returns a string representation of the range.
func (r LocalRangeAccessor) String() string {
	if r.length == 0 {
		return "LocalRangeAccessor[]"
	}
	return fmt.Sprintf("LocalRangeAccessor[%d...%d]", r.start, r.start+r.length-1)
}

// checkBounds panics on out-of-range offsets. An invalid offset is a defect
// in the consuming operation, not a recoverable condition.
func (r LocalRangeAccessor) checkBounds(offset int) {
	if offset < 0 || offset >= r.length {
		panic(fmt.Sprintf("local range offset %d out of bounds [0, %d)", offset, r.length))
	}
}

// Get reads the slot at the given offset into the range generically.
func (r LocalRangeAccessor) Get(frame Frame, offset int) any {
	r.checkBounds(offset)
	return frame.GetLocal(r.start + offset)
}

// Set writes the slot at the given offset into the range generically.
func (r LocalRangeAccessor) Set(frame Frame, offset int, value any) {
	r.checkBounds(offset)
	frame.SetLocal(r.start+offset, value)
}

// GetBool reads the slot at the given offset as a boolean.
func (r LocalRangeAccessor) GetBool(frame Frame, offset int) (bool, error) {
	r.checkBounds(offset)
	return frame.GetLocalBool(r.start + offset)
}

// GetInt reads the slot at the given offset as an integer.
func (r LocalRangeAccessor) GetInt(frame Frame, offset int) (int64, error) {
	r.checkBounds(offset)
	return frame.GetLocalInt(r.start + offset)
}

// GetFloat reads the slot at the given offset as a float.
func (r LocalRangeAccessor) GetFloat(frame Frame, offset int) (float64, error) {
	r.checkBounds(offset)
	return frame.GetLocalFloat(r.start + offset)
}

// SetBool writes the slot at the given offset as a boolean.
func (r LocalRangeAccessor) SetBool(frame Frame, offset int, value bool) {
	r.checkBounds(offset)
	frame.SetLocalBool(r.start+offset, value)
}

// SetInt writes the slot at the given offset as an integer.
func (r LocalRangeAccessor) SetInt(frame Frame, offset int, value int64) {
	r.checkBounds(offset)
	frame.SetLocalInt(r.start+offset, value)
}

// SetFloat writes the slot at the given offset as a float.
func (r LocalRangeAccessor) SetFloat(frame Frame, offset int, value float64) {
	r.checkBounds(offset)
	frame.SetLocalFloat(r.start+offset, value)
}
