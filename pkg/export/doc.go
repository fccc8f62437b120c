/*
Package export writes daily aggregates out as JSON or CSV.

# Formats

JSON exports are a single indented document with a metadata header:

	{
	  "metadata": {
	    "exported_at": "2024-02-01T09:30:00Z",
	    "start": "2024-01-01T00:00:00Z",
	    "end": "2024-01-31T00:00:00Z",
	    "device_ids": ["meter-1", "meter-2"],
	    "count": 42,
	    "format": "json",
	    "version": "1.0"
	  },
	  "aggregates": [ ... ]
	}

CSV exports have one row per bucket with the columns in CSVHeader:

	id,device_id,timestamp,active_energy,active_power,active_energy_avg,active_power_avg,aggregate_count

# HTTP

	GET /v1/export?device_id=meter-1,meter-2&format=csv&start=2024-01-01&end=2024-01-31

start and end default to the 30 days ending today. The range may span at
most 366 days. Rows come back in store order, exactly as QueryRange
returns them.

There is no import endpoint. Buckets are only ever built by recording
readings.
*/
package export
