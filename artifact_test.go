package showrun

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestArtifactMapCloneIsolates(t *testing.T) {
	orig := ArtifactMap{"transcript": TextArtifact("hello")}
	clone := orig.Clone()
	clone["transcript"] = TextArtifact("changed")
	clone["extra"] = ScalarArtifact(1)

	if orig.TextOf("transcript") != "hello" {
		t.Error("clone mutation leaked into original")
	}
	if orig.Has("extra") {
		t.Error("clone addition leaked into original")
	}
	if got := ArtifactMap(nil).Clone(); got == nil || len(got) != 0 {
		t.Errorf("nil clone = %v", got)
	}
}

func TestArtifactMapMergeReportsOverwrites(t *testing.T) {
	m := ArtifactMap{
		"transcript": TextArtifact("old"),
		"script":     TextArtifact("keep"),
	}
	overwritten := m.Merge(ArtifactMap{
		"transcript": TextArtifact("new"),
		"thumbnail":  TextArtifact("t.png"),
	})

	if !reflect.DeepEqual(overwritten, []string{"transcript"}) {
		t.Errorf("overwritten = %v", overwritten)
	}
	if m.TextOf("transcript") != "new" || m.TextOf("script") != "keep" || !m.Has("thumbnail") {
		t.Errorf("merged map = %v", m)
	}
}

func TestArtifactMapProject(t *testing.T) {
	m := ArtifactMap{
		"source_video": TextArtifact("s3://v"),
		"transcript":   TextArtifact("words"),
		"extra":        ScalarArtifact(42),
	}

	got, err := m.Project([]string{"source_video", "transcript"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got.TextOf("transcript") != "words" {
		t.Errorf("projection = %v", got)
	}

	_, err = m.Project([]string{"source_video", "script"})
	var perm *ErrPermanent
	if !errors.As(err, &perm) {
		t.Fatalf("missing input err = %v, want ErrPermanent", err)
	}
}

func TestArtifactString(t *testing.T) {
	cases := []struct {
		name string
		a    Artifact
		want string
	}{
		{"text", TextArtifact("hello"), "hello"},
		{"scalar", ScalarArtifact(3), "3"},
		{"blob", BlobArtifact(BlobRef{URI: "cas://abc"}), "cas://abc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.String(); got != tc.want {
				t.Errorf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

// --- JSON shape tests ---

func TestArtifactJSONRoundTrip(t *testing.T) {
	in := ArtifactMap{
		"transcript": TextArtifact("spoken words"),
		"duration":   ScalarArtifact(12.5),
		"burned_video": BlobArtifact(BlobRef{
			URI:    "cas://deadbeef",
			Mime:   "video/mp4",
			Bytes:  1024,
			SHA256: "deadbeef",
		}),
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out ArtifactMap
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}

	if out["transcript"].Type != ArtifactText || out.TextOf("transcript") != "spoken words" {
		t.Errorf("transcript = %+v", out["transcript"])
	}
	if out["duration"].Type != ArtifactScalar || out["duration"].Scalar != 12.5 {
		t.Errorf("duration = %+v", out["duration"])
	}
	blob := out["burned_video"]
	if blob.Type != ArtifactBlob || blob.Blob.URI != "cas://deadbeef" || blob.Blob.Bytes != 1024 {
		t.Errorf("blob = %+v", blob)
	}
}

func TestArtifactUnmarshalDiscrimination(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		typ  ArtifactType
	}{
		{"string is text", `"hello"`, ArtifactText},
		{"number is scalar", `7`, ArtifactScalar},
		{"bool is scalar", `true`, ArtifactScalar},
		{"uri object is blob", `{"uri":"cas://x","mime":"image/png"}`, ArtifactBlob},
		{"other object is opaque scalar", `{"nested":{"k":1}}`, ArtifactScalar},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var a Artifact
			if err := json.Unmarshal([]byte(tc.raw), &a); err != nil {
				t.Fatal(err)
			}
			if a.Type != tc.typ {
				t.Errorf("type = %v, want %v", a.Type, tc.typ)
			}
		})
	}

	var bad Artifact
	if err := json.Unmarshal([]byte(`{"uri":42}`), &bad); err == nil {
		t.Error("malformed blob descriptor accepted")
	}
}

func TestPreviewKey(t *testing.T) {
	if got := PreviewKey("thumbnail"); got != "preview/thumbnail" {
		t.Errorf("PreviewKey = %q", got)
	}
}
