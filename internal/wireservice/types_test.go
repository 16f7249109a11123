package wireservice

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecipientMapGroupingIgnoresInsertionOrder(t *testing.T) {
	a := dev("wire.example", userU, "d1")
	b := dev("wire.example", userU, "d2")
	c := dev("other.example", userV, "c1")

	orders := [][]DeviceAddress{{a, b, c}, {c, b, a}, {b, c, a}}
	var first RecipientMap
	for _, order := range orders {
		rm := RecipientMap{}
		for _, d := range order {
			rm.Add(d, []byte("ct-"+d.Device))
		}
		require.Equal(t, 3, rm.Len())
		require.Len(t, rm, 2, "two domains")
		require.Len(t, rm["wire.example"][userU], 2)
		require.Len(t, rm["other.example"][userV], 1)
		require.Equal(t, []DeviceAddress{c, a, b}, rm.Devices())
		if first == nil {
			first = rm
		}
		require.Equal(t, first, rm)
	}
}

func TestMissingSetDecodesBackendShape(t *testing.T) {
	body := `{"missing":{"wire.example":{"` + userU.String() + `":["d2","d3"]},"other.example":{"` + userV.String() + `":[]}},"redundant":{},"deleted":{}}`
	var mm mismatchResponse
	require.NoError(t, json.Unmarshal([]byte(body), &mm))

	require.False(t, mm.Missing.Empty())
	require.Equal(t, []DeviceAddress{
		dev("wire.example", userU, "d2"),
		dev("wire.example", userU, "d3"),
	}, mm.Missing.Devices())
	require.Equal(t, []QualifiedID{{ID: userU, Domain: "wire.example"}}, mm.Missing.Users(), "users without devices are dropped")
	require.True(t, mm.Deleted.Empty())
}

func TestMissingSetAddDeduplicates(t *testing.T) {
	d := dev("wire.example", userU, "d1")
	m := NewMissingSet([]DeviceAddress{d, d})
	require.Equal(t, []DeviceAddress{d}, m.Devices())
}

func TestClientNumber(t *testing.T) {
	n, err := clientNumber("d1")
	require.NoError(t, err)
	require.Equal(t, uint64(0xd1), n)

	_, err = clientNumber("not-hex")
	require.Error(t, err)
}

func TestPayloadKeepsRaw(t *testing.T) {
	raw := `{"type":"custom.thing","extra":{"x":1}}`
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.Equal(t, "custom.thing", p.Type)
	require.JSONEq(t, raw, string(p.Raw))
	require.Equal(t, KindUnknown, Classify(p.Type))
}

func TestClassify(t *testing.T) {
	cases := map[string]EventKind{
		TypeTeamMemberJoin:     KindMembership,
		TypeUserUpdate:         KindMembership,
		TypeMemberJoin:         KindMembership,
		TypeMemberLeave:        KindMembership,
		TypeUserConnection:     KindConnection,
		TypeOtrMessageAdd:      KindConversation,
		TypeConversationCreate: KindConversation,
		"conversation.typing":  KindUnknown,
		"":                     KindUnknown,
	}
	for typ, want := range cases {
		require.Equal(t, want, Classify(typ), typ)
	}
}
