package markdown

import (
	"strings"
	"testing"
)

// TestSplit_BasicHeaders tests splitting with H1 and multiple H2s.
func TestSplit_BasicHeaders(t *testing.T) {
	input := `# Getting Started

Introduction text here.

## Installation

Install steps here.

## Configuration

Config details here.
`

	sections, err := NewSplitter(2).Split([]byte(input))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	expectedPaths := []string{
		"# Getting Started",
		"# Getting Started > ## Installation",
		"# Getting Started > ## Configuration",
	}
	if len(sections) != len(expectedPaths) {
		t.Fatalf("Expected %d sections, got %d", len(expectedPaths), len(sections))
	}
	for i, expectedPath := range expectedPaths {
		if sections[i].HeaderPath != expectedPath {
			t.Errorf("Section %d HeaderPath: expected %q, got %q", i, expectedPath, sections[i].HeaderPath)
		}
	}

	// Sections do not overlap: the H1 section stops at the first H2.
	if strings.Contains(sections[0].Content, "Install steps") {
		t.Errorf("Section 0 leaked into its subsection")
	}
	if !strings.Contains(sections[2].Content, "Config details here") {
		t.Errorf("Section 2 missing expected content")
	}
}

// TestSplit_CoversSource verifies sections tile the document exactly.
func TestSplit_CoversSource(t *testing.T) {
	input := "# A\n\none\n\n## B\n\ntwo\n\n# C\n\nthree\n"

	sections, err := NewSplitter(3).Split([]byte(input))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}

	var joined strings.Builder
	prevEnd := 0
	for i, s := range sections {
		if s.Start != prevEnd {
			t.Errorf("Section %d starts at %d, previous ended at %d", i, s.Start, prevEnd)
		}
		prevEnd = s.End
		joined.WriteString(s.Content)
	}
	if joined.String() != input {
		t.Errorf("Sections do not reproduce the source:\n%q", joined.String())
	}

	if sections[1].StartLine != 5 {
		t.Errorf("Section 1 StartLine: expected 5, got %d", sections[1].StartLine)
	}
}

// TestSplit_CodeFencesAreNotHeadings tests that '#' lines in code are content.
func TestSplit_CodeFencesAreNotHeadings(t *testing.T) {
	input := "# Script\n\n```sh\n# not a heading\necho hi\n```\n"

	sections, err := NewSplitter(3).Split([]byte(input))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("Expected 1 section, got %d", len(sections))
	}
	if !strings.Contains(sections[0].Content, "# not a heading") {
		t.Errorf("Code block missing from section")
	}
}

// TestSplit_DepthLimit tests that headings below maxDepth stay inside their parent.
func TestSplit_DepthLimit(t *testing.T) {
	input := `# API Reference

## Methods

### Details

Some details here.
`

	sections, err := NewSplitter(2).Split([]byte(input))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("Expected 2 sections, got %d", len(sections))
	}
	if !strings.Contains(sections[1].Content, "### Details") {
		t.Errorf("Methods section missing H3 subsection")
	}
}

// TestSplit_Preamble tests content before the first heading.
func TestSplit_Preamble(t *testing.T) {
	input := "Intro paragraph.\n\n# Title\n\nBody.\n"

	sections, err := NewSplitter(0).Split([]byte(input))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("Expected 2 sections, got %d", len(sections))
	}
	if sections[0].HeaderPath != "" {
		t.Errorf("Preamble HeaderPath: expected empty, got %q", sections[0].HeaderPath)
	}
}

// TestSplit_NoHeadings tests a document with no headers.
func TestSplit_NoHeadings(t *testing.T) {
	input := "This is a document with no headers.\n\nJust plain text content.\n"

	sections, err := NewSplitter(3).Split([]byte(input))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("Expected 1 section, got %d", len(sections))
	}
	if sections[0].Content != input {
		t.Errorf("Single section should hold the whole document")
	}
}

// TestSplit_DuplicateTitles tests that repeated titles still split.
func TestSplit_DuplicateTitles(t *testing.T) {
	input := "# Usage\n\nfirst\n\n# Usage\n\nsecond\n"

	sections, err := NewSplitter(3).Split([]byte(input))
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("Expected 2 sections, got %d", len(sections))
	}
	if !strings.Contains(sections[1].Content, "second") {
		t.Errorf("Second section missing content")
	}
}
