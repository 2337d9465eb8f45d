package state

const fullDocument = `{
  "Device": {
    "AvioV2": {
      "GlobalConfig": {"GlobalEdid": "DM Default", "GlobalEdidType": "system"},
      "Inputs": {
        "Input1": {
          "Id": "in-1",
          "UserSpecifiedName": "Lectern PC",
          "Capabilities": {"IsAudioRoutingSupported": true, "IsVideoRoutingSupported": true, "IsUsbRoutingSupported": false, "IsStreamRoutingSupported": false},
          "InputInfo": {"Ports": {"Port1": {"PortType": "Hdmi", "IsSyncDetected": true, "HorizontalResolution": 1920, "VerticalResolution": 1080, "FramesPerSecond": 60}}}
        },
        "Input2": {
          "UserSpecifiedName": "Mic Bus",
          "Capabilities": {"IsAudioRoutingSupported": true, "IsVideoRoutingSupported": false, "IsUsbRoutingSupported": false, "IsStreamRoutingSupported": false},
          "InputInfo": {"Ports": {"Port1": {"PortType": "Analog", "IsSyncDetected": false}}}
        }
      },
      "Outputs": {
        "Output1": {
          "UserSpecifiedName": "Projector",
          "Capabilities": {"IsAudioRoutingSupported": true, "IsVideoRoutingSupported": true, "IsUsbRoutingSupported": false, "IsStreamRoutingSupported": false},
          "OutputInfo": {"Ports": {"Port1": {"PortType": "Hdmi", "IsSinkConnected": true, "Digital": {"IsTransmitting": true}}}}
        },
        "Aux1": {
          "UserSpecifiedName": "Amp",
          "Capabilities": {"IsAudioRoutingSupported": true, "IsVideoRoutingSupported": false, "IsUsbRoutingSupported": false, "IsStreamRoutingSupported": false},
          "OutputInfo": {"Ports": {"Port1": {"PortType": "Audio"}}}
        }
      },
      "Version": "2.1.0"
    },
    "AvMatrixRoutingV2": {
      "Config": {"Output1": {"VideoSourceConfigured": "Input1"}, "Aux1": {"AudioSourceConfigured": "Input2"}},
      "Routes": {
        "Output1": {"AudioSource": "Input1", "VideoSource": "Input1"},
        "Aux1": {"AudioSource": "No Input"}
      },
      "IsAutomaticRoutingEnabled": false,
      "IsFollowOutputEnabled": true,
      "IsPriorityRoutingEnabled": false,
      "Version": "1.0.0"
    }
  }
}`
