// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"bytes"
	"strings"
	"testing"
)

func TestDehydrate_WithEncryptionKeyRoundTrips(t *testing.T) {
	key := []byte("a very secret master key, shh")
	encoded, _, err := Dehydrate(&Context{EncryptionKey: key}, map[string]any{"amount": 42.0, "currency": "usd"})
	if err != nil {
		t.Fatalf("Dehydrate: %v", err)
	}
	if !bytes.HasPrefix(encoded, []byte(EncryptedFormatTag)) {
		t.Fatalf("expected encoded payload to start with %q, got %q", EncryptedFormatTag, encoded[:4])
	}

	var out map[string]any
	if err := Hydrate(&Context{EncryptionKey: key}, encoded, &out); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if out["currency"] != "usd" || out["amount"] != 42.0 {
		t.Errorf("unexpected round-tripped value: %+v", out)
	}
}

func TestDehydrate_WithoutEncryptionKeyUsesPlainTag(t *testing.T) {
	encoded, _, err := Dehydrate(&Context{}, "hello")
	if err != nil {
		t.Fatalf("Dehydrate: %v", err)
	}
	if !bytes.HasPrefix(encoded, []byte(FormatTag)) {
		t.Fatalf("expected plain tag %q, got %q", FormatTag, encoded[:4])
	}
}

func TestHydrate_EncryptedPayloadWithoutKeyFails(t *testing.T) {
	encoded, _, err := Dehydrate(&Context{EncryptionKey: []byte("key-one")}, "secret")
	if err != nil {
		t.Fatalf("Dehydrate: %v", err)
	}

	var out string
	err = Hydrate(&Context{}, encoded, &out)
	if err == nil {
		t.Fatal("expected Hydrate without an encryption key to fail on an encrypted payload")
	}
	if !strings.Contains(err.Error(), "encryption key") {
		t.Errorf("expected error to mention the missing key, got %v", err)
	}
}

func TestHydrate_EncryptedPayloadWithWrongKeyFails(t *testing.T) {
	encoded, _, err := Dehydrate(&Context{EncryptionKey: []byte("key-one")}, "secret")
	if err != nil {
		t.Fatalf("Dehydrate: %v", err)
	}

	var out string
	err = Hydrate(&Context{EncryptionKey: []byte("key-two")}, encoded, &out)
	if err == nil {
		t.Fatal("expected Hydrate with the wrong key to fail")
	}
}
