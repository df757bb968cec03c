package main

import (
	"log"
	"os"
	"path/filepath"

	"github.com/rxtech-lab/gapflow/internal/config"
)

func main() {
	cfg := config.DefaultConfig()

	schemaJSON, err := cfg.GenerateSchemaJSON()
	if err != nil {
		log.Fatalf("Failed to generate schema: %v", err)
	}

	schemaName := "gapflow-session-config.json"
	schemaPath := filepath.Join("./config", schemaName)
	sampleConfigPath := filepath.Join("./config", "gapflow-session-config.yaml")

	if err := os.MkdirAll(filepath.Dir(schemaPath), 0755); err != nil {
		log.Fatalf("Failed to create directory: %v", err)
	}

	if err := os.WriteFile(schemaPath, []byte(schemaJSON), 0644); err != nil {
		log.Fatalf("Failed to write schema to file: %v", err)
	}

	// Write a sample config next to the schema unless one already exists.
	if _, err := os.Stat(sampleConfigPath); os.IsNotExist(err) {
		yamlString, err := cfg.MarshalYAMLString()
		if err != nil {
			log.Fatalf("Failed to marshal sample config to yaml: %v", err)
		}

		yamlString = "# yaml-language-server: $schema=" + schemaName + "\n" + yamlString

		if err := os.WriteFile(sampleConfigPath, []byte(yamlString), 0644); err != nil {
			log.Fatalf("Failed to write sample config to file: %v", err)
		}

		log.Printf("Sample config successfully generated at %s", sampleConfigPath)
	}

	log.Printf("Schema successfully generated at %s", schemaPath)
}
