package otr

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMarshalReportOnlyCarriesUsers(t *testing.T) {
	require := require.New(t)

	user := uuid.MustParse("5b3a0f6c-8f1e-4b55-9d3c-6c8a0f2b1e77")
	msg := &NewOtrMessage{
		Sender: 0xabc,
		Recipients: []QualifiedUserEntry{{
			Domain: "wire.example",
			Entries: []UserEntry{{
				User:    user,
				Clients: []ClientEntry{{Client: 0x1, Text: []byte("c1")}, {Client: 0x2, Text: []byte("c2")}},
			}},
		}},
		NativePush:    true,
		Strategy:      ReportOnly,
		StrategyUsers: []QualifiedUserID{{ID: user.String(), Domain: "wire.example"}},
	}

	got, err := Unmarshal(msg.Marshal())
	require.NoError(err)
	require.Equal(uint64(0xabc), got.Sender)
	require.Equal(ReportOnly, got.Strategy)
	require.Equal(msg.StrategyUsers, got.StrategyUsers)
	require.Len(got.Recipients, 1)
	require.Equal([16]byte(user), got.Recipients[0].Entries[0].User)
	require.Equal([]byte("c2"), got.Recipients[0].Entries[0].Clients[1].Text)
}

func TestMarshalStrategyOneof(t *testing.T) {
	for _, s := range []Strategy{ReportAll, IgnoreAll} {
		t.Run(s.String(), func(t *testing.T) {
			got, err := Unmarshal((&NewOtrMessage{Sender: 1, Strategy: s}).Marshal())
			require.NoError(t, err)
			require.Equal(t, s, got.Strategy)
			require.Empty(t, got.StrategyUsers)
			require.False(t, got.NativePush)
		})
	}
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	b := (&NewOtrMessage{Sender: 7, Blob: []byte("payload")}).Marshal()
	_, err := Unmarshal(b[:len(b)-3])
	require.Error(t, err)
}
