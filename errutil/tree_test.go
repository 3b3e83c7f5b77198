package errutil_test

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pouyad/tgdup/errutil"
)

func TestTree(t *testing.T) {
	t.Parallel()

	t.Run("NilErr", func(t *testing.T) {
		t.Parallel()
		assert.PanicsWithValue(t, "nil error", func() { errutil.Tree(nil) })
	})

	t.Run("PlainErr", func(t *testing.T) {
		t.Parallel()
		tree := errutil.Tree(errors.New("upload session expired"))
		expected := errutil.ErrInfo{
			Message:  "upload session expired",
			TypeName: "*errors.errorString",
			Children: nil,
		}
		assertErrInfoAreEqual(t, expected, tree)
	})

	t.Run("WrappedErr", func(t *testing.T) {
		t.Parallel()
		tree := errutil.Tree(fmt.Errorf("failed to push chunk: %w", errors.New("connection reset")))
		expected := errutil.ErrInfo{
			Message:  "failed to push chunk: connection reset",
			TypeName: "*fmt.wrapError",
			Children: []errutil.ErrInfo{
				{
					Message:  "connection reset",
					TypeName: "*errors.errorString",
					Children: nil,
				},
			},
		}
		assertErrInfoAreEqual(t, expected, tree)
	})

	t.Run("JoinedErrs", func(t *testing.T) {
		t.Parallel()
		tree := errutil.Tree(
			errors.Join(
				errors.New("scratch file removal failed"),
				errors.New("status message edit failed"),
			),
		)
		expected := errutil.ErrInfo{
			Message:  "scratch file removal failed\nstatus message edit failed",
			TypeName: "*errors.joinError",
			Children: []errutil.ErrInfo{
				{
					Message:  "scratch file removal failed",
					TypeName: "*errors.errorString",
					Children: nil,
				},
				{
					Message:  "status message edit failed",
					TypeName: "*errors.errorString",
					Children: nil,
				},
			},
		}
		assertErrInfoAreEqual(t, expected, tree)
	})

	t.Run("OSPathErr", func(t *testing.T) {
		t.Parallel()
		_, err := os.ReadDir("nonexistent")
		tree := errutil.Tree(fmt.Errorf("failed to scan token dir: %w", err))
		expected := errutil.ErrInfo{
			Message:  "failed to scan token dir: open nonexistent: no such file or directory",
			TypeName: "*fmt.wrapError",
			Children: []errutil.ErrInfo{
				{
					Message:  "open nonexistent: no such file or directory",
					TypeName: "*fs.PathError",
					Children: []errutil.ErrInfo{
						{
							Message:  "no such file or directory",
							TypeName: "syscall.Errno",
							Children: nil,
						},
					},
				},
			},
		}
		assertErrInfoAreEqual(t, expected, tree)
	})
}

func assertErrInfoAreEqual(t *testing.T, expected, actual errutil.ErrInfo) {
	t.Helper()
	assert.Exactly(t, expected.Message, actual.Message, "unequal Message field: expected: %q, actual: %q", expected.Message, actual.Message)
	assert.Exactly(t, expected.TypeName, actual.TypeName, "unequal TypeName field: expected: %q, actual: %q", expected.TypeName, actual.TypeName)
	assert.Len(t, actual.Children, len(expected.Children), "unequal Children length: expected: %d, actual: %d", len(expected.Children), len(actual.Children))
	for i, child := range actual.Children {
		assertErrInfoAreEqual(t, expected.Children[i], child)
	}
}
