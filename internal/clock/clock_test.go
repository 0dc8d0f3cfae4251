// Copyright 2025 Kadir Pekel
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

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestVirtual_Advance(t *testing.T) {
	vc := NewVirtual(epoch)
	vc.Advance(90 * time.Second)

	want := epoch.Add(90 * time.Second)
	if got := vc.Now(); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
	if got := vc.Since(epoch); got != 90*time.Second {
		t.Errorf("Since() = %v, want 90s", got)
	}
}

func TestVirtual_AdvanceNegativePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for negative advance")
		}
	}()
	NewVirtual(epoch).Advance(-time.Second)
}

func TestVirtual_SetPastPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic when setting time to the past")
		}
	}()
	NewVirtual(epoch).Set(epoch.Add(-time.Minute))
}

func TestVirtual_After(t *testing.T) {
	vc := NewVirtual(epoch)
	ch := vc.After(10 * time.Second)

	vc.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before deadline")
	default:
	}
	if vc.Waiters() != 1 {
		t.Fatalf("Waiters() = %d, want 1", vc.Waiters())
	}

	vc.Advance(5 * time.Second)
	select {
	case got := <-ch:
		if !got.Equal(epoch.Add(10 * time.Second)) {
			t.Errorf("After delivered %v", got)
		}
	default:
		t.Fatal("After did not fire at deadline")
	}
	if vc.Waiters() != 0 {
		t.Errorf("Waiters() = %d, want 0", vc.Waiters())
	}
}

func TestVirtual_AfterZeroFiresImmediately(t *testing.T) {
	vc := NewVirtual(epoch)
	select {
	case <-vc.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}
