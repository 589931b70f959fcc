package main

import (
	"flag"
	"os"

	"cloud.google.com/go/bigquery"
	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/speedtracker/pkg/model"
)

var recordSchema string

func init() {
	flag.StringVar(&recordSchema, "record", "/var/spool/datatypes/speedtracker.json", "filename to write the record schema")
}

func main() {
	flag.Parse()
	// Generate and save the schema for autoloading.
	b, err := schema(model.Record{})
	rtx.Must(err, "failed to generate record schema")
	err = os.WriteFile(recordSchema, b, 0o644)
	rtx.Must(err, "failed to write record schema")
}

// schema returns the BigQuery JSON schema inferred from v, with every field
// marked as nullable.
func schema(v interface{}) ([]byte, error) {
	sch, err := bigquery.InferSchema(v)
	if err != nil {
		return nil, err
	}
	sch = bqx.RemoveRequired(sch)
	return sch.ToJSONFields()
}
