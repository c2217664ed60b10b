package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtensionListAddFind(t *testing.T) {
	el := ExtensionList{}
	require.False(t, el.Has(ExtensionTypeApplicationID))

	require.NoError(t, el.Add(ApplicationIDExtension{ID: []byte("one")}))
	require.True(t, el.Has(ExtensionTypeApplicationID))

	var got ApplicationIDExtension
	found, err := el.Find(&got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("one"), got.ID)

	// Adding the same type replaces instead of appending.
	require.NoError(t, el.Add(ApplicationIDExtension{ID: []byte("two")}))
	require.Len(t, el.Entries, 1)
	found, err = el.Find(&got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("two"), got.ID)

	var missing LastResortExtension
	found, err = el.Find(&missing)
	require.NoError(t, err)
	require.False(t, found)
}

func TestExtensionListClone(t *testing.T) {
	el := ExtensionList{}
	require.NoError(t, el.Add(ApplicationIDExtension{ID: []byte("orig")}))

	clone := el.Clone()
	clone.Entries[0].ExtensionData[0] = 0xff

	var got ApplicationIDExtension
	found, err := el.Find(&got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("orig"), got.ID)
}

func TestExtensionTrailingDataRejected(t *testing.T) {
	el := ExtensionList{
		Entries: []Extension{{
			ExtensionType: ExtensionTypeApplicationID,
			ExtensionData: append([]byte{0x02, 'h', 'i'}, 0x00),
		}},
	}

	var got ApplicationIDExtension
	found, err := el.Find(&got)
	require.True(t, found)
	require.Error(t, err)
}
